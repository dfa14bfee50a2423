package integration_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	helixconnect "github.com/helix-data/helix-connect-go"
)

// flakyStore delegates to an inner store and fails PutChunk for indexes at or
// beyond failFrom, recording the indexes it stored successfully.
type flakyStore struct {
	helixconnect.ObjectStore

	mu       sync.Mutex
	failFrom int
	puts     map[int]int
}

func newFlakyStore(inner helixconnect.ObjectStore, failFrom int) *flakyStore {
	return &flakyStore{
		ObjectStore: inner,
		failFrom:    failFrom,
		puts:        make(map[int]int),
	}
}

func (s *flakyStore) PutChunk(ctx context.Context, objectID string, index int, data []byte) error {
	s.mu.Lock()
	failFrom := s.failFrom
	s.mu.Unlock()

	if failFrom >= 0 && index >= failFrom {
		return errors.New("injected storage outage")
	}

	if err := s.ObjectStore.PutChunk(ctx, objectID, index, data); err != nil {
		return err
	}

	s.mu.Lock()
	s.puts[index]++
	s.mu.Unlock()

	return nil
}

func (s *flakyStore) storedChunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.puts)
}

func (s *ExchangeTestSuite) TestUploadResumeAcrossFactories() {
	const totalChunks = 16

	ctx := context.Background()
	objectID := datasetID + "/" + versionID
	payload := makeDataset(1000)

	flaky := newFlakyStore(s.store, 8)
	brokenFactory := helixconnect.NewClientFactory(s.newConfig(), s.wrapper, flaky, s.queue)

	defer brokenFactory.Close()

	session, err := brokenFactory.Producer().Upload(ctx, objectID, bytes.NewReader(payload))
	s.Require().Error(err)

	var transferErr *helixconnect.TransferError
	s.Require().ErrorAs(err, &transferErr)

	token := session.ResumeToken()
	s.Require().NotEmpty(token)
	s.False(session.Completed())

	// A different factory finishes the upload against the healed store,
	// re-driving the same source but re-storing only the missing chunks.
	healed := newFlakyStore(s.store, -1)
	resumedFactory := helixconnect.NewClientFactory(s.newConfig(), s.wrapper, healed, s.queue)

	defer resumedFactory.Close()

	session, err = resumedFactory.Producer().Upload(ctx, objectID, bytes.NewReader(payload),
		helixconnect.WithResume(token))
	s.Require().NoError(err)
	s.True(session.Completed())

	s.Less(healed.storedChunks(), totalChunks, "resume must skip chunks stored before the outage")

	var sink bytes.Buffer

	_, err = resumedFactory.Consumer().Download(ctx, objectID, &sink)
	s.Require().NoError(err)
	s.Equal(payload, sink.Bytes())
}

func (s *ExchangeTestSuite) TestDownloadResumeAcrossFactories() {
	ctx := context.Background()
	objectID := datasetID + "/" + versionID
	payload := makeDataset(1000)

	producerFactory := s.newFactory()
	defer producerFactory.Close()

	_, err := producerFactory.Producer().Upload(ctx, objectID, bytes.NewReader(payload))
	s.Require().NoError(err)

	path := filepath.Join(s.T().TempDir(), "dataset.bin")

	file, err := os.Create(path)
	s.Require().NoError(err)

	interruptedFactory := s.newFactory()
	defer interruptedFactory.Close()

	downloadCtx, stop := context.WithCancel(ctx)
	defer stop()

	session, err := interruptedFactory.Consumer().Download(downloadCtx, objectID, file,
		helixconnect.WithProgress(func(p helixconnect.Progress) {
			if p.ChunksCompleted >= 5 {
				stop()
			}
		}))
	s.Require().Error(err)
	s.Require().NoError(file.Close())

	token := session.ResumeToken()
	s.Require().NotEmpty(token)

	// Only fully verified chunks remain on disk.
	info, err := os.Stat(path)
	s.Require().NoError(err)
	s.NotZero(info.Size())
	s.Less(info.Size(), int64(len(payload)))
	s.Zero(info.Size()%64, "partial downloads must end on a chunk boundary")

	file, err = os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	s.Require().NoError(err)

	resumedFactory := s.newFactory()
	defer resumedFactory.Close()

	session, err = resumedFactory.Consumer().Download(ctx, objectID, file,
		helixconnect.WithResume(token))
	s.Require().NoError(err)
	s.Require().NoError(file.Close())
	s.True(session.Completed())

	downloaded, err := os.ReadFile(path)
	s.Require().NoError(err)
	s.Equal(payload, downloaded)
}
