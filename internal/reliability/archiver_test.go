package reliability

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aristath/earnings/internal/domain"
	"github.com/aristath/earnings/internal/modules/publish"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingUploader struct {
	bucket string
	key    string
	body   []byte
	err    error
}

func (u *recordingUploader) Upload(ctx context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if u.err != nil {
		return nil, u.err
	}
	u.bucket = aws.ToString(in.Bucket)
	u.key = aws.ToString(in.Key)
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	u.body = body
	return &manager.UploadOutput{Key: in.Key}, nil
}

func sampleSnapshot() publish.Snapshot {
	eps := 1.25
	return publish.Snapshot{
		LastAttemptAt: time.Date(2025, 9, 9, 14, 0, 0, 0, time.UTC),
		Date:          "2025-09-09",
		Rows: []domain.EarningsRow{
			{Earnings: domain.EarningsRecord{Ticker: "AAPL", EPSEstimate: &eps}},
		},
		Coverage: publish.Coverage{Schedule: 1, Price: 0.5, EPSRev: 1},
	}
}

func TestArchiver_ObjectKey(t *testing.T) {
	a := NewArchiver(&recordingUploader{}, "bucket", "snapshots", zerolog.Nop())
	assert.Equal(t, "snapshots/2025-09-09/v7.json", a.ObjectKey("2025-09-09", 7))

	bare := NewArchiver(&recordingUploader{}, "bucket", "", zerolog.Nop())
	assert.Equal(t, "2025-09-09/v7.json", bare.ObjectKey("2025-09-09", 7))
}

func TestArchiver_Archive(t *testing.T) {
	up := &recordingUploader{}
	a := NewArchiver(up, "earnings-archive", "snapshots", zerolog.Nop())

	require.NoError(t, a.Archive(context.Background(), sampleSnapshot(), 3))
	assert.Equal(t, "earnings-archive", up.bucket)
	assert.Equal(t, "snapshots/2025-09-09/v3.json", up.key)

	var doc archivedSnapshot
	require.NoError(t, json.Unmarshal(up.body, &doc))
	assert.Equal(t, "2025-09-09", doc.Date)
	assert.Equal(t, uint64(3), doc.Version)
	assert.Equal(t, 1, doc.Count)
	assert.Equal(t, 0.5, doc.Coverage.Price)
	require.Len(t, doc.Rows, 1)
	assert.Equal(t, "AAPL", doc.Rows[0].Earnings.Ticker)
}

func TestArchiver_EmptyDayEncodesEmptyRows(t *testing.T) {
	up := &recordingUploader{}
	a := NewArchiver(up, "b", "p", zerolog.Nop())

	require.NoError(t, a.Archive(context.Background(), publish.Snapshot{Date: "2025-09-13", SoftEmpty: true}, 1))
	assert.Contains(t, string(up.body), `"rows":[]`)
	assert.Contains(t, string(up.body), `"soft_empty":true`)
}

func TestArchiver_UploadError(t *testing.T) {
	a := NewArchiver(&recordingUploader{err: errors.New("403 forbidden")}, "b", "p", zerolog.Nop())
	err := a.Archive(context.Background(), sampleSnapshot(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "p/2025-09-09/v1.json")
}

func TestNewS3Archiver_RequiresBucket(t *testing.T) {
	_, err := NewS3Archiver(context.Background(), S3Config{Region: "auto"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestNewS3Archiver_CustomEndpoint(t *testing.T) {
	var mu sync.Mutex
	var gotMethod, gotPath string
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotMethod, gotPath, gotBody = r.Method, r.URL.Path, body
		mu.Unlock()
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	a, err := NewS3Archiver(context.Background(), S3Config{
		Bucket:    "earnings",
		Region:    "auto",
		Endpoint:  server.URL,
		AccessKey: "id",
		SecretKey: "secret",
		Prefix:    "snapshots",
	}, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, a.Archive(context.Background(), sampleSnapshot(), 2))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/earnings/snapshots/2025-09-09/v2.json", gotPath)
	assert.Contains(t, string(gotBody), `"AAPL"`)
}
