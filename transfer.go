package helixconnect

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/helix-data/helix-connect-go/pkg/log"
)

var (
	uploadTimer         = metrics.GetOrRegisterTimer(MetricsPrefix+".transfer.upload", nil)
	downloadTimer       = metrics.GetOrRegisterTimer(MetricsPrefix+".transfer.download", nil)
	chunkRefetchCounter = metrics.GetOrRegisterCounter(MetricsPrefix+".transfer.chunk.refetch", nil)
	transferResumeMeter = metrics.GetOrRegisterMeter(MetricsPrefix+".transfer.resume", nil)
)

// ObjectManifest describes the stored form of one object: how the plaintext
// was split and the expected checksum of every sealed chunk. The manifest is
// written after the last chunk, so its presence marks a complete upload.
type ObjectManifest struct {
	// Size is the total plaintext size in bytes.
	Size int64 `json:"size"`
	// ChunkCount is the number of stored chunks.
	ChunkCount int `json:"chunkCount"`
	// ChunkSize is the plaintext size of every chunk except the last, which
	// holds the remainder.
	ChunkSize int64 `json:"chunkSize"`
	// Checksums holds the hex-encoded SHA-256 of each chunk's sealed bytes,
	// indexed by chunk.
	Checksums []string `json:"checksums"`
}

// digest returns a stable fingerprint of the manifest. Resume tokens carry it
// so a token issued against one version of an object cannot silently resume
// against another.
func (m *ObjectManifest) digest() string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%d|%d", m.Size, m.ChunkCount, m.ChunkSize)

	for i := range m.Checksums {
		io.WriteString(h, "|")
		io.WriteString(h, m.Checksums[i])
	}

	return hex.EncodeToString(h.Sum(nil))
}

// Progress is a point-in-time snapshot of a transfer delivered to the
// progress callback after each completed chunk.
type Progress struct {
	ObjectID string
	// ChunkIndex is the chunk whose completion triggered this snapshot.
	// Upload snapshots may arrive out of index order.
	ChunkIndex int
	// ChunksCompleted counts chunks completed so far, including any skipped
	// by a resumed transfer.
	ChunksCompleted int
	// TotalChunks is -1 when the chunk count is not yet known.
	TotalChunks int
	// BytesTransferred counts plaintext bytes completed so far.
	BytesTransferred int64
	// TotalBytes is -1 when the total plaintext size is not yet known.
	TotalBytes int64
}

// ProgressFunc receives transfer progress. It may be invoked from worker
// goroutines; implementations must return quickly and must not block.
type ProgressFunc func(Progress)

type transferOptions struct {
	chunkSize     int64
	progress      ProgressFunc
	contentLength int64
	resumeToken   string
}

// TransferOption customizes a single Upload or Download call.
type TransferOption func(*transferOptions)

// WithTransferChunkSize overrides the engine's configured chunk size for one
// upload. It has no effect on downloads, whose chunk size is dictated by the
// stored manifest.
func WithTransferChunkSize(n int64) TransferOption {
	return func(o *transferOptions) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithProgress registers a callback invoked after each completed chunk.
func WithProgress(fn ProgressFunc) TransferOption {
	return func(o *transferOptions) {
		o.progress = fn
	}
}

// WithContentLength declares the total plaintext size of an upload source so
// progress snapshots can report totals. The engine reads the source to
// exhaustion regardless; a declared length that disagrees with the bytes
// actually read is logged and otherwise ignored.
func WithContentLength(n int64) TransferOption {
	return func(o *transferOptions) {
		if n >= 0 {
			o.contentLength = n
		}
	}
}

// WithResume resumes an interrupted transfer from the token captured off its
// TransferError. The caller must supply the same source (for uploads) or a
// sink holding the previously verified bytes (for downloads).
func WithResume(token string) TransferOption {
	return func(o *transferOptions) {
		o.resumeToken = token
	}
}

func (o *transferOptions) report(p Progress) {
	if o.progress != nil {
		o.progress(p)
	}
}

const resumeTokenVersion = 1

// resumeState is the JSON payload of a resume token. Tokens are opaque to
// callers; the encoding is versioned so the layout can evolve.
type resumeState struct {
	Version        int    `json:"v"`
	ObjectID       string `json:"objectId"`
	ChunkSize      int64  `json:"chunkSize"`
	ChunkCount     int    `json:"chunkCount,omitempty"`
	ManifestDigest string `json:"manifestDigest,omitempty"`
	// NextIndex is the first chunk not yet written to the sink (downloads).
	NextIndex int `json:"nextIndex,omitempty"`
	// Acked maps stored chunk indices to their sealed checksums (uploads).
	Acked map[string]string `json:"acked,omitempty"`
	// Offset is the number of plaintext bytes already confirmed.
	Offset int64 `json:"offset"`
}

func encodeResumeToken(st *resumeState) string {
	b, err := json.Marshal(st)
	if err != nil {
		// resumeState contains only marshalable fields
		panic(err)
	}

	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeResumeToken(objectID, token string) (*resumeState, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, &ResumeInvalidError{ObjectID: objectID, Reason: "token is not base64url"}
	}

	st := new(resumeState)
	if err := json.Unmarshal(b, st); err != nil {
		return nil, &ResumeInvalidError{ObjectID: objectID, Reason: "token payload is malformed"}
	}

	if st.Version != resumeTokenVersion {
		return nil, &ResumeInvalidError{
			ObjectID: objectID,
			Reason:   "unsupported token version " + strconv.Itoa(st.Version),
		}
	}

	if st.ObjectID != objectID {
		return nil, &ResumeInvalidError{ObjectID: objectID, Reason: "token was issued for a different object"}
	}

	return st, nil
}

// TransferSession tracks one Upload or Download invocation. The engine's
// workers update it while the call runs; accessors are safe to use from the
// progress callback and after the call returns.
type TransferSession struct {
	id       string
	objectID string

	mu               sync.Mutex
	totalBytes       int64
	bytesTransferred int64
	chunksCompleted  int
	completed        bool
	resumeToken      string
}

func newTransferSession(objectID string) *TransferSession {
	return &TransferSession{
		id:         uuid.NewString(),
		objectID:   objectID,
		totalBytes: -1,
	}
}

// ID returns the unique identifier assigned to this invocation.
func (s *TransferSession) ID() string {
	return s.id
}

// ObjectID returns the object this session transfers.
func (s *TransferSession) ObjectID() string {
	return s.objectID
}

// TotalBytes returns the total plaintext size, or -1 while unknown.
func (s *TransferSession) TotalBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.totalBytes
}

// BytesTransferred returns the plaintext bytes completed so far, including
// bytes confirmed by a previous invocation when the transfer was resumed.
func (s *TransferSession) BytesTransferred() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.bytesTransferred
}

// Completed reports whether the transfer finished successfully.
func (s *TransferSession) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.completed
}

// ResumeToken returns the token recorded when the transfer stopped early, or
// the empty string after success and while the transfer is still running.
// The same token is carried by the TransferError returned from the call.
func (s *TransferSession) ResumeToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.resumeToken
}

func (s *TransferSession) setTotalBytes(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalBytes = n
}

func (s *TransferSession) addBaseline(bytes int64, chunks int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bytesTransferred += bytes
	s.chunksCompleted += chunks
}

// chunkDone records one completed chunk and returns the new cumulative
// totals so callers can publish a consistent progress snapshot.
func (s *TransferSession) chunkDone(n int64) (int64, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bytesTransferred += n
	s.chunksCompleted++

	return s.bytesTransferred, s.chunksCompleted
}

func (s *TransferSession) finish(resumeToken string, completed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resumeToken = resumeToken
	s.completed = completed
}

// truncatingSink is implemented by sinks that can discard bytes past a
// verified boundary, e.g. *os.File.
type truncatingSink interface {
	Truncate(size int64) error
}

// statingSink is implemented by sinks whose current size can be checked
// against a resume token's verified offset before any bytes are appended.
type statingSink interface {
	Stat() (fs.FileInfo, error)
}

// TransferEngine moves objects between local byte streams and the object
// store as sequences of independently sealed chunks.
//
// Every chunk is sealed under its own ephemeral data key. That bounds memory
// to a window of chunks regardless of object size, confines corruption and
// retries to a single chunk, and gives resume a natural granularity; the cost
// is one key-wrap call per chunk.
type TransferEngine struct {
	codec *EnvelopeCodec
	store ObjectStore

	policy           *RetryPolicy
	chunkSize        int64
	maxConcurrent    int
	integrityRetries int
}

// NewTransferEngine constructs a TransferEngine using the provided codec and
// store. A nil config uses defaults.
func NewTransferEngine(codec *EnvelopeCodec, store ObjectStore, config *Config) *TransferEngine {
	if config == nil {
		config = NewConfig()
	}

	return &TransferEngine{
		codec:            codec,
		store:            store,
		policy:           newRetryPolicyFromConfig(config),
		chunkSize:        config.ChunkSize,
		maxConcurrent:    config.MaxConcurrentChunks,
		integrityRetries: config.IntegrityRetries,
	}
}

func (e *TransferEngine) newTransferOptions(opts []TransferOption) *transferOptions {
	o := &transferOptions{
		chunkSize:     e.chunkSize,
		contentLength: -1,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

type uploadChunk struct {
	index int
	data  []byte
}

// Upload reads src to exhaustion, seals it chunk by chunk, and stores the
// sealed chunks followed by the manifest. The source is read sequentially by
// a single goroutine; sealing and storing proceed in parallel across the
// configured worker count.
//
// On failure the returned error is a TransferError whose ResumeToken, when
// non-empty, can be passed to a later Upload via WithResume together with a
// byte-identical source; chunks stored by the earlier invocation are then
// skipped rather than re-sealed. The returned session is non-nil in every
// case and reflects whatever progress was made.
func (e *TransferEngine) Upload(ctx context.Context, objectID string, src io.Reader, opts ...TransferOption) (*TransferSession, error) {
	defer uploadTimer.UpdateSince(time.Now())

	o := e.newTransferOptions(opts)
	session := newTransferSession(objectID)
	session.setTotalBytes(o.contentLength)

	acked := make(map[int]string)

	if o.resumeToken != "" {
		st, err := decodeResumeToken(objectID, o.resumeToken)
		if err != nil {
			return session, err
		}

		if st.ChunkSize != o.chunkSize {
			return session, &ResumeInvalidError{
				ObjectID: objectID,
				Reason: fmt.Sprintf("token chunk size %d does not match configured chunk size %d",
					st.ChunkSize, o.chunkSize),
			}
		}

		for k, sum := range st.Acked {
			i, convErr := strconv.Atoi(k)
			if convErr != nil || i < 0 {
				return session, &ResumeInvalidError{ObjectID: objectID, Reason: "token contains an invalid chunk index"}
			}

			acked[i] = sum
		}

		transferResumeMeter.Mark(1)
		log.Debugf("resuming upload of %s with %d chunks already stored\n", objectID, len(acked))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu        sync.Mutex
		firstErr  error
		failedIdx = -1
		checksums = make(map[int]string, len(acked))
	)

	for i, sum := range acked {
		checksums[i] = sum
	}

	fail := func(index int, err error) {
		mu.Lock()
		defer mu.Unlock()

		if firstErr == nil {
			firstErr = err
			failedIdx = index

			cancel()
		}
	}

	// Unbuffered so the reader never runs more than one chunk ahead of the
	// worker pool.
	work := make(chan uploadChunk)

	var wg sync.WaitGroup

	for i := 0; i < e.maxConcurrent; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for chunk := range work {
				sum, err := e.sealAndPut(ctx, objectID, chunk.index, chunk.data)
				if err != nil {
					fail(chunk.index, err)
					continue
				}

				mu.Lock()
				checksums[chunk.index] = sum
				mu.Unlock()

				bytes, chunks := session.chunkDone(int64(len(chunk.data)))
				o.report(Progress{
					ObjectID:         objectID,
					ChunkIndex:       chunk.index,
					ChunksCompleted:  chunks,
					TotalChunks:      -1,
					BytesTransferred: bytes,
					TotalBytes:       o.contentLength,
				})
			}
		}()
	}

	var (
		index   int
		total   int64
		readErr error
	)

	for {
		if ctx.Err() != nil {
			break
		}

		buf := make([]byte, o.chunkSize)

		n, err := io.ReadFull(src, buf)
		if n > 0 {
			total += int64(n)

			if _, ok := acked[index]; ok {
				bytes, chunks := session.chunkDone(int64(n))
				o.report(Progress{
					ObjectID:         objectID,
					ChunkIndex:       index,
					ChunksCompleted:  chunks,
					TotalChunks:      -1,
					BytesTransferred: bytes,
					TotalBytes:       o.contentLength,
				})
			} else {
				select {
				case work <- uploadChunk{index: index, data: buf[:n]}:
				case <-ctx.Done():
				}
			}

			index++
		}

		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}

		if err != nil {
			readErr = errors.Wrap(err, "reading upload source")
			break
		}
	}

	close(work)
	wg.Wait()

	if firstErr == nil && readErr != nil {
		firstErr, failedIdx = readErr, index
	}

	if firstErr == nil {
		firstErr = ctx.Err()
	}

	if firstErr != nil {
		token := encodeResumeToken(uploadResumeState(objectID, o.chunkSize, checksums, total))
		session.finish(token, false)

		return session, &TransferError{
			ObjectID:    objectID,
			ChunkIndex:  failedIdx,
			ResumeToken: token,
			Err:         firstErr,
		}
	}

	manifest, err := buildManifest(total, index, o.chunkSize, checksums)
	if err != nil {
		return session, &ResumeInvalidError{ObjectID: objectID, Reason: err.Error()}
	}

	if o.contentLength >= 0 && o.contentLength != total {
		log.Debugf("declared content length %d but read %d bytes from %s\n", o.contentLength, total, objectID)
	}

	err = e.policy.Do(ctx, "put manifest", func(ctx context.Context) error {
		return e.store.PutManifest(ctx, objectID, manifest)
	})
	if err != nil {
		token := encodeResumeToken(uploadResumeState(objectID, o.chunkSize, checksums, total))
		session.finish(token, false)

		return session, &TransferError{ObjectID: objectID, ChunkIndex: -1, ResumeToken: token, Err: err}
	}

	session.setTotalBytes(total)
	session.finish("", true)

	return session, nil
}

// sealAndPut seals one chunk and stores it, returning the hex SHA-256 of the
// sealed bytes. Only the store call is retried here; the key wrapper applies
// its own retry policy to remote key operations.
func (e *TransferEngine) sealAndPut(ctx context.Context, objectID string, index int, data []byte) (string, error) {
	env, err := e.codec.Seal(ctx, data)
	if err != nil {
		return "", err
	}

	sealed, err := env.MarshalBinary()
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(sealed)

	err = e.policy.Do(ctx, "put chunk", func(ctx context.Context) error {
		return e.store.PutChunk(ctx, objectID, index, sealed)
	})
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(sum[:]), nil
}

func uploadResumeState(objectID string, chunkSize int64, checksums map[int]string, offset int64) *resumeState {
	st := &resumeState{
		Version:   resumeTokenVersion,
		ObjectID:  objectID,
		ChunkSize: chunkSize,
		Acked:     make(map[string]string, len(checksums)),
		Offset:    offset,
	}

	for i, sum := range checksums {
		st.Acked[strconv.Itoa(i)] = sum
	}

	return st
}

// buildManifest assembles the ordered checksum list once the chunk count is
// known. A gap means a resume token referenced chunks past the end of the
// source that produced them.
func buildManifest(size int64, count int, chunkSize int64, checksums map[int]string) (*ObjectManifest, error) {
	ordered := make([]string, count)

	for i := 0; i < count; i++ {
		sum, ok := checksums[i]
		if !ok {
			return nil, errors.Errorf("no checksum recorded for chunk %d", i)
		}

		ordered[i] = sum
	}

	for i := range checksums {
		if i >= count {
			return nil, errors.Errorf("token references chunk %d but the source ends at chunk %d", i, count-1)
		}
	}

	return &ObjectManifest{
		Size:       size,
		ChunkCount: count,
		ChunkSize:  chunkSize,
		Checksums:  ordered,
	}, nil
}

type downloadResult struct {
	index int
	data  []byte
	err   error
}

// Download fetches the object's manifest and streams the verified plaintext
// to sink. Chunks are fetched and opened in parallel but written strictly in
// order by the calling goroutine, so the sink observes a clean prefix of the
// object at all times.
//
// When the download stops early the sink is truncated back to the last fully
// verified chunk boundary if it supports Truncate, and the returned
// TransferError carries a resume token. Resuming checks the token against the
// stored manifest and, when the sink supports Stat, against the sink's size.
func (e *TransferEngine) Download(ctx context.Context, objectID string, sink io.Writer, opts ...TransferOption) (*TransferSession, error) {
	defer downloadTimer.UpdateSince(time.Now())

	o := e.newTransferOptions(opts)
	session := newTransferSession(objectID)

	var manifest *ObjectManifest

	err := e.policy.Do(ctx, "get manifest", func(ctx context.Context) error {
		var getErr error
		manifest, getErr = e.store.GetManifest(ctx, objectID)

		return getErr
	})
	if err != nil {
		return session, &TransferError{ObjectID: objectID, ChunkIndex: -1, Err: err}
	}

	session.setTotalBytes(manifest.Size)

	start := 0

	if o.resumeToken != "" {
		st, decodeErr := decodeResumeToken(objectID, o.resumeToken)
		if decodeErr != nil {
			return session, decodeErr
		}

		if st.ManifestDigest != manifest.digest() {
			return session, &ResumeInvalidError{ObjectID: objectID, Reason: "object changed since the token was issued"}
		}

		if st.NextIndex < 0 || st.NextIndex > manifest.ChunkCount {
			return session, &ResumeInvalidError{ObjectID: objectID, Reason: "token next index is out of range"}
		}

		if err := checkSinkOffset(objectID, sink, st.Offset); err != nil {
			return session, err
		}

		start = st.NextIndex
		session.addBaseline(st.Offset, st.NextIndex)
		transferResumeMeter.Mark(1)
		log.Debugf("resuming download of %s at chunk %d\n", objectID, start)
	}

	written := session.BytesTransferred()

	if start >= manifest.ChunkCount {
		session.finish("", true)

		return session, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	work := make(chan int)
	results := make(chan downloadResult, e.maxConcurrent)

	var wg sync.WaitGroup

	for i := 0; i < e.maxConcurrent; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for index := range work {
				data, err := e.fetchChunk(ctx, objectID, manifest, index)

				select {
				case results <- downloadResult{index: index, data: data, err: err}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	var (
		firstErr     error
		failedIdx    = -1
		nextDispatch = start
		nextWrite    = start
		pending      = make(map[int][]byte, e.maxConcurrent)
	)

	// The dispatch window holds in-flight fetches to the worker count; the
	// nil-channel trick disables the send arm once the window is full or the
	// object is exhausted.
	for nextWrite < manifest.ChunkCount && firstErr == nil {
		if ctx.Err() != nil {
			firstErr = ctx.Err()
			break
		}

		var dispatch chan<- int

		if nextDispatch < manifest.ChunkCount && nextDispatch < nextWrite+e.maxConcurrent {
			dispatch = work
		}

		select {
		case dispatch <- nextDispatch:
			nextDispatch++

		case r := <-results:
			if r.err != nil {
				firstErr, failedIdx = r.err, r.index
				break
			}

			pending[r.index] = r.data

			for {
				data, ok := pending[nextWrite]
				if !ok {
					break
				}

				if _, werr := sink.Write(data); werr != nil {
					firstErr, failedIdx = errors.Wrap(werr, "writing to sink"), nextWrite
					break
				}

				delete(pending, nextWrite)
				nextWrite++
				written += int64(len(data))

				bytes, chunks := session.chunkDone(int64(len(data)))
				o.report(Progress{
					ObjectID:         objectID,
					ChunkIndex:       nextWrite - 1,
					ChunksCompleted:  chunks,
					TotalChunks:      manifest.ChunkCount,
					BytesTransferred: bytes,
					TotalBytes:       manifest.Size,
				})
			}

		case <-ctx.Done():
			firstErr = ctx.Err()
		}
	}

	close(work)
	cancel()

	go func() {
		wg.Wait()
		close(results)
	}()

	for range results {
		// drain so workers blocked on send can exit
	}

	if firstErr != nil {
		truncateSink(sink, written)

		token := encodeResumeToken(&resumeState{
			Version:        resumeTokenVersion,
			ObjectID:       objectID,
			ChunkSize:      manifest.ChunkSize,
			ChunkCount:     manifest.ChunkCount,
			ManifestDigest: manifest.digest(),
			NextIndex:      nextWrite,
			Offset:         written,
		})
		session.finish(token, false)

		return session, &TransferError{
			ObjectID:    objectID,
			ChunkIndex:  failedIdx,
			ResumeToken: token,
			Err:         firstErr,
		}
	}

	if written != manifest.Size {
		return session, &TransferError{
			ObjectID:   objectID,
			ChunkIndex: -1,
			Err: &IntegrityError{
				ObjectID: objectID,
				Reason: fmt.Sprintf("assembled %d bytes but manifest declares %d",
					written, manifest.Size),
			},
		}
	}

	session.finish("", true)

	return session, nil
}

// fetchChunk retrieves, verifies, and opens one sealed chunk. A checksum
// mismatch means the fetched bytes differ from what was stored, so the fetch
// is repeated up to the configured bound. A GCM tag failure on a
// checksum-valid chunk is terminal immediately: the bytes match what the
// store holds, and fetching them again cannot change the outcome.
func (e *TransferEngine) fetchChunk(ctx context.Context, objectID string, manifest *ObjectManifest, index int) ([]byte, error) {
	want := manifest.Checksums[index]

	for attempt := 0; ; attempt++ {
		sealed, err := e.getChunk(ctx, objectID, index)
		if err != nil {
			return nil, err
		}

		sum := sha256.Sum256(sealed)
		if hex.EncodeToString(sum[:]) != want {
			if attempt < e.integrityRetries {
				chunkRefetchCounter.Inc(1)
				log.Debugf("checksum mismatch on %s chunk %d, refetching\n", objectID, index)

				continue
			}

			return nil, &IntegrityError{ObjectID: objectID, ChunkIndex: index, Reason: "sealed chunk checksum mismatch"}
		}

		env := new(Envelope)
		if err := env.UnmarshalBinary(sealed); err != nil {
			return nil, err
		}

		data, err := e.codec.Open(ctx, env)
		if err != nil {
			var integrityErr *IntegrityError
			if errors.As(err, &integrityErr) {
				return nil, &IntegrityError{ObjectID: objectID, ChunkIndex: index, Reason: integrityErr.Reason}
			}

			return nil, err
		}

		return data, nil
	}
}

func (e *TransferEngine) getChunk(ctx context.Context, objectID string, index int) ([]byte, error) {
	var sealed []byte

	err := e.policy.Do(ctx, "get chunk", func(ctx context.Context) error {
		var getErr error
		sealed, getErr = e.store.GetChunk(ctx, objectID, index)

		return getErr
	})

	return sealed, err
}

func checkSinkOffset(objectID string, sink io.Writer, offset int64) error {
	s, ok := sink.(statingSink)
	if !ok {
		return nil
	}

	info, err := s.Stat()
	if err != nil {
		log.Debugf("skipping sink offset check: %v\n", err)
		return nil
	}

	if info.Size() != offset {
		return &ResumeInvalidError{
			ObjectID: objectID,
			Reason:   fmt.Sprintf("sink holds %d bytes but token expects %d", info.Size(), offset),
		}
	}

	return nil
}

func truncateSink(sink io.Writer, size int64) {
	t, ok := sink.(truncatingSink)
	if !ok {
		return
	}

	if err := t.Truncate(size); err != nil {
		log.Debugf("truncating sink to verified boundary failed: %v\n", err)
	}
}
