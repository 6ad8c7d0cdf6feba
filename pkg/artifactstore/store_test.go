package artifactstore_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/edgegate/edgegate/pkg/artifactstore"
)

func TestStore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Artifact Store Suite")
}

type fakeBackend struct {
	blobs map[string][]byte
	puts  int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{blobs: make(map[string][]byte)}
}

func (f *fakeBackend) Put(ctx context.Context, sha256 string, data []byte) (string, error) {
	f.puts++
	f.blobs[sha256] = data
	return "file:///fake/" + sha256, nil
}

func (f *fakeBackend) Get(ctx context.Context, storageURL string) ([]byte, error) {
	for sha, data := range f.blobs {
		if storageURL == "file:///fake/"+sha {
			return data, nil
		}
	}
	return nil, artifactstore.ErrBlobMissing
}

var _ = Describe("Store", func() {
	var (
		backend *fakeBackend
		repo    *artifactstore.Repository
		store   *artifactstore.Store
		mockDB  *sql.DB
		mock    sqlmock.Sqlmock
		ctx     context.Context
	)

	BeforeEach(func() {
		var err error
		mockDB, mock, err = sqlmock.New()
		Expect(err).NotTo(HaveOccurred())
		repo = artifactstore.NewRepository(mockDB, zap.NewNop())
		backend = newFakeBackend()
		caps := artifactstore.SizeCaps{artifactstore.KindModel: 10}
		store = artifactstore.NewStore(backend, repo, caps, zap.NewNop(), nil)
		ctx = context.Background()
	})

	AfterEach(func() {
		mockDB.Close()
	})

	Describe("Put", func() {
		It("rejects oversized blobs for a capped kind", func() {
			_, err := store.Put(ctx, "ws-1", artifactstore.KindModel, []byte("this is far too big"), nil, "alice")
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("exceeds size limit"))
			Expect(backend.puts).To(Equal(0))
		})

		It("dedups on (workspace, sha256) without writing the blob again", func() {
			data := []byte("small")
			mock.ExpectQuery(`SELECT (.+) FROM artifacts WHERE workspace_id = \$1 AND sha256 = \$2`).
				WillReturnRows(sqlmock.NewRows([]string{
					"id", "workspace_id", "kind", "storage_url", "sha256", "size_bytes", "filename", "created_at", "expires_at",
				}).AddRow("art-existing", "ws-1", "model", "file:///fake/existing", "abc", int64(5), nil, time.Now(), nil))

			result, err := store.Put(ctx, "ws-1", artifactstore.KindModel, data, nil, "alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.ID).To(Equal("art-existing"))
			Expect(backend.puts).To(Equal(0))
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})

		It("writes a new blob and row when no dedup match exists", func() {
			data := []byte("small")

			mock.ExpectQuery(`SELECT (.+) FROM artifacts WHERE workspace_id = \$1 AND sha256 = \$2`).
				WillReturnError(sql.ErrNoRows)
			mock.ExpectQuery(`INSERT INTO artifacts`).
				WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("art-new", time.Now()))

			result, err := store.Put(ctx, "ws-1", artifactstore.KindModel, data, nil, "alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.ID).To(Equal("art-new"))
			Expect(backend.puts).To(Equal(1))
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})

		It("invokes the audit callback on a new artifact", func() {
			var auditedEvent string
			store = artifactstore.NewStore(backend, repo, nil, zap.NewNop(), func(ctx context.Context, workspaceID, actor, eventType string, payload map[string]interface{}) {
				auditedEvent = eventType
			})

			mock.ExpectQuery(`SELECT (.+) FROM artifacts WHERE workspace_id = \$1 AND sha256 = \$2`).
				WillReturnError(sql.ErrNoRows)
			mock.ExpectQuery(`INSERT INTO artifacts`).
				WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("art-new", time.Now()))

			_, err := store.Put(ctx, "ws-1", artifactstore.KindOther, []byte("x"), nil, "alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(auditedEvent).To(Equal("artifact.created"))
		})
	})

	Describe("ReadBytes", func() {
		It("returns ErrBlobMissing when the row exists but the blob does not", func() {
			mock.ExpectQuery(`SELECT (.+) FROM artifacts WHERE workspace_id = \$1 AND id = \$2`).
				WillReturnRows(sqlmock.NewRows([]string{
					"id", "workspace_id", "kind", "storage_url", "sha256", "size_bytes", "filename", "created_at", "expires_at",
				}).AddRow("art-1", "ws-1", "model", "file:///fake/ghost", "ghost", int64(1), nil, time.Now(), nil))

			_, err := store.ReadBytes(ctx, "ws-1", "art-1")
			Expect(err).To(Equal(artifactstore.ErrBlobMissing))
		})
	})
})
