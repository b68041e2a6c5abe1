package archive

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"herald/internal/common"
	"herald/internal/domain/notification"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPutter struct {
	mock.Mock
	body string
}

func (m *mockPutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, _ := io.ReadAll(in.Body)
	m.body = string(b)
	args := m.Called(aws.ToString(in.Bucket), aws.ToString(in.Key))
	out, _ := args.Get(0).(*s3.PutObjectOutput)
	return out, args.Error(1)
}

func TestS3Archiver_WritesNDJSON(t *testing.T) {
	putter := new(mockPutter)
	putter.On("PutObject", "archive-bucket", mock.MatchedBy(func(key string) bool {
		return strings.HasPrefix(key, "herald/2024/03/09/") && strings.HasSuffix(key, ".jsonl")
	})).Return(&s3.PutObjectOutput{}, nil)

	a := NewS3ArchiverWithClient(putter, "archive-bucket", "herald")
	a.now = func() time.Time { return time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC) }

	err := a.Archive(context.Background(), []*notification.Notification{
		{ID: "n-1", Status: notification.StatusDelivered},
		{ID: "n-2", Status: notification.StatusFailed},
	})
	require.NoError(t, err)
	putter.AssertExpectations(t)

	lines := 0
	sc := bufio.NewScanner(strings.NewReader(putter.body))
	for sc.Scan() {
		lines++
	}
	assert.Equal(t, 2, lines)
	assert.Contains(t, putter.body, `"id":"n-2"`)
}

func TestS3Archiver_EmptyPageIsNoop(t *testing.T) {
	putter := new(mockPutter)
	require.NoError(t, NewS3ArchiverWithClient(putter, "b", "").Archive(context.Background(), nil))
	putter.AssertNotCalled(t, "PutObject", mock.Anything, mock.Anything)
}

func TestS3Archiver_UploadError(t *testing.T) {
	putter := new(mockPutter)
	putter.On("PutObject", "b", mock.Anything).Return(nil, errors.New("access denied"))

	err := NewS3ArchiverWithClient(putter, "b", "").Archive(context.Background(), []*notification.Notification{{ID: "n-1"}})
	var provider *common.ProviderError
	require.ErrorAs(t, err, &provider)
	assert.Equal(t, "s3", provider.Provider)
	assert.Contains(t, err.Error(), "access denied")
}
