package config

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	var (
		tempDir    string
		configFile string
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "config-test")
		Expect(err).NotTo(HaveOccurred())
		configFile = filepath.Join(tempDir, "config.yaml")
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	Describe("Load", func() {
		Context("when config file exists with valid content", func() {
			BeforeEach(func() {
				validConfig := `
server:
  port: "8080"
  metrics_port: "9090"

database:
  host: "db.internal"
  port: 5432
  user: "edgegate"
  name: "edgegate"
  ssl_mode: "require"

redis:
  addr: "redis.internal:6379"

kms:
  signing_keys_dir: "/var/lib/edgegate/keys"

limits:
  warmup_runs: 1
  measurement_repeats_max: 5
  max_new_tokens_max: 256
  run_timeout_max_minutes: 45
  devices_per_run_max: 5
  promptpack_cases_max: 50
  model_upload_size_bytes: 524288000
  bundle_size_bytes: 10485760

logging:
  level: "info"
  format: "json"
`
				err := os.WriteFile(configFile, []byte(validConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should load configuration successfully", func() {
				config, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())
				Expect(config).NotTo(BeNil())

				Expect(config.Server.Port).To(Equal("8080"))
				Expect(config.Server.MetricsPort).To(Equal("9090"))

				Expect(config.Database.Host).To(Equal("db.internal"))
				Expect(config.Database.Port).To(Equal(5432))
				Expect(config.Database.SSLMode).To(Equal("require"))

				Expect(config.Redis.Addr).To(Equal("redis.internal:6379"))

				Expect(config.KMS.SigningKeysDir).To(Equal("/var/lib/edgegate/keys"))

				Expect(config.Limits.WarmupRuns).To(Equal(1))
				Expect(config.Limits.MeasurementRepeatsMax).To(Equal(5))
				Expect(config.Limits.MaxNewTokensMax).To(Equal(256))
				Expect(config.Limits.RunTimeoutMaxMinutes).To(Equal(45))
				Expect(config.Limits.DevicesPerRunMax).To(Equal(5))
				Expect(config.Limits.PromptpackCasesMax).To(Equal(50))
				Expect(config.Limits.ModelUploadSizeBytes).To(Equal(int64(524288000)))
				Expect(config.Limits.BundleSizeBytes).To(Equal(int64(10485760)))

				Expect(config.Logging.Level).To(Equal("info"))
				Expect(config.Logging.Format).To(Equal("json"))
			})
		})

		Context("when config file has minimal content", func() {
			BeforeEach(func() {
				minimalConfig := `
server:
  port: "3000"
database:
  host: "localhost"
`
				err := os.WriteFile(configFile, []byte(minimalConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should load with defaults for missing values", func() {
				config, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())

				Expect(config.Server.Port).To(Equal("3000"))
				Expect(config.Database.Host).To(Equal("localhost"))

				Expect(config.Database.Port).To(Equal(5432))
				Expect(config.Limits.WarmupRuns).To(Equal(1))
				Expect(config.Limits.MeasurementRepeatsMax).To(Equal(5))
				Expect(config.Limits.RunTimeoutMaxMinutes).To(Equal(45))
			})
		})

		Context("when config file does not exist", func() {
			It("should return an error", func() {
				_, err := Load("/nonexistent/config.yaml")
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to read config file"))
			})
		})

		Context("when config file has invalid YAML", func() {
			BeforeEach(func() {
				invalidConfig := `
server:
  port: "8080"
  invalid_yaml: [
database:
  host: "x"
`
				err := os.WriteFile(configFile, []byte(invalidConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return an error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to parse config file"))
			})
		})
	})

	Describe("validate", func() {
		var config *Config

		BeforeEach(func() {
			config = &Config{
				Server: ServerConfig{
					Port:        "8080",
					MetricsPort: "9090",
				},
				Database: DatabaseConfig{
					Host:    "localhost",
					Port:    5432,
					User:    "edgegate",
					Name:    "edgegate",
					SSLMode: "disable",
				},
				Limits: LimitsConfig{
					WarmupRuns:            1,
					MeasurementRepeatsMax: 5,
					MaxNewTokensMax:       256,
					RunTimeoutMaxMinutes:  45,
					DevicesPerRunMax:      5,
					PromptpackCasesMax:    50,
					ModelUploadSizeBytes:  524288000,
					BundleSizeBytes:       10485760,
				},
				Logging: LoggingConfig{
					Level:  "info",
					Format: "json",
				},
			}
		})

		Context("when config is valid", func() {
			It("should pass validation", func() {
				err := validate(config)
				Expect(err).NotTo(HaveOccurred())
			})
		})

		Context("when database host is missing", func() {
			BeforeEach(func() {
				config.Database.Host = ""
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("database host is required"))
			})
		})

		Context("when measurement repeats max exceeds the hard cap", func() {
			BeforeEach(func() {
				config.Limits.MeasurementRepeatsMax = 6
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("measurement_repeats_max must not exceed the hard cap of 5"))
			})
		})

		Context("when run timeout max exceeds the hard cap", func() {
			BeforeEach(func() {
				config.Limits.RunTimeoutMaxMinutes = 46
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("run_timeout_max_minutes must not exceed the hard cap of 45"))
			})
		})

		Context("when max new tokens max exceeds the hard cap", func() {
			BeforeEach(func() {
				config.Limits.MaxNewTokensMax = 300
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("max_new_tokens_max must not exceed the hard cap of 256"))
			})
		})

		Context("when warmup runs exceeds the hard cap", func() {
			BeforeEach(func() {
				config.Limits.WarmupRuns = 2
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("warmup_runs must not exceed the hard cap of 1"))
			})
		})

		Context("when devices per run max exceeds the hard cap", func() {
			BeforeEach(func() {
				config.Limits.DevicesPerRunMax = 6
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("devices_per_run_max must not exceed the hard cap of 5"))
			})
		})

		Context("when logging level is invalid", func() {
			BeforeEach(func() {
				config.Logging.Level = "verbose"
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("unsupported logging level"))
			})
		})
	})

	Describe("loadFromEnv", func() {
		var config *Config

		BeforeEach(func() {
			config = &Config{}
			os.Clearenv()
		})

		Context("when environment variables are set", func() {
			BeforeEach(func() {
				os.Setenv("SERVER_PORT", "3000")
				os.Setenv("METRICS_PORT", "9999")
				os.Setenv("DB_HOST", "envhost")
				os.Setenv("LOG_LEVEL", "debug")
				os.Setenv("MASTER_KEY", "dGVzdC1tYXN0ZXIta2V5LTAxMjM0NTY3ODkwMTIz")
			})

			It("should override config values from environment", func() {
				loadFromEnv(config)

				Expect(config.Server.Port).To(Equal("3000"))
				Expect(config.Server.MetricsPort).To(Equal("9999"))
				Expect(config.Database.Host).To(Equal("envhost"))
				Expect(config.Logging.Level).To(Equal("debug"))
				Expect(config.KMS.MasterKeyBase64).To(Equal("dGVzdC1tYXN0ZXIta2V5LTAxMjM0NTY3ODkwMTIz"))
			})
		})

		Context("when environment variables are not set", func() {
			It("should leave the config untouched", func() {
				before := *config
				loadFromEnv(config)
				Expect(*config).To(Equal(before))
			})
		})
	})

	Describe("time parsing of duration-like limits", func() {
		It("documents that limits are plain integers, not durations", func() {
			// Config-level caps are plain ints in the unit their field
			// name carries (minutes, bytes), so a duration string such
			// as "45m" is rejected when the file is parsed.
			durationConfig := `
database:
  host: "localhost"
limits:
  run_timeout_max_minutes: "45m"
`
			Expect(os.WriteFile(configFile, []byte(durationConfig), 0644)).To(Succeed())
			_, err := Load(configFile)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("failed to parse config file"))
		})
	})
})
