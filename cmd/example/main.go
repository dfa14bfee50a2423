package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/godaddy/asherah/go/securememory"
	smlog "github.com/godaddy/asherah/go/securememory/log"
	"github.com/godaddy/asherah/go/securememory/memguard"
	"github.com/jessevdk/go-flags"
	"github.com/logrusorgru/aurora"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/helix-data/helix-connect-go"
	"github.com/helix-data/helix-connect-go/pkg/crypto/aead"
	"github.com/helix-data/helix-connect-go/pkg/kms"
	hcxlog "github.com/helix-data/helix-connect-go/pkg/log"
	"github.com/helix-data/helix-connect-go/pkg/queue"
	"github.com/helix-data/helix-connect-go/pkg/storage"
)

const (
	datasetID = "orders"
	s3store   = "S3"
	sqsqueue  = "SQS"
	awskms    = "AWS"
)

type Options struct {
	Records     int    `short:"c" long:"count" default:"500" description:"Number of records to generate per dataset."`
	Iterations  int    `short:"i" long:"iterations" default:"1" description:"Number of times the benchmark loop will run."`
	Transfers   int    `short:"s" long:"transfers" default:"4" description:"Number of datasets to exchange concurrently per iteration."`
	ChunkSize   int64  `long:"chunk-size" default:"32768" description:"Transfer chunk size in bytes."`
	Level       int    `long:"level" default:"6" description:"Compression level (1-9)."`
	Concurrency int    `long:"concurrency" default:"4" description:"Chunk workers per transfer."`
	EnableLogs  bool   `short:"l" long:"log" description:"Enables logging to stdout"`
	Results     bool   `short:"r" long:"results" description:"Prints record input/output from the helixconnect library"`
	Metrics     bool   `short:"m" long:"metrics" description:"Dumps metrics to stdout in JSON format"`
	Verbose     bool   `short:"v" long:"verbose" description:"Enables verbose output"`
	ShowAll     bool   `short:"a" long:"all" description:"Print all metrics even if they were not executed."`
	Progress    bool   `short:"P" long:"progress" description:"Prints chunk progress while the showcase transfer runs."`
	KMS         string `long:"kms" description:"Configure what key service to use"`
	Region      string `long:"region" description:"Preferred region for AWS backends"`
	RegionMap   string `long:"map" description:"Comma separated list of <region>=<kms_arn> tuples."`
	Store       string `long:"store" description:"Configure what object store to use"`
	Bucket      string `long:"bucket" description:"S3 bucket holding chunk objects"`
	Queue       string `long:"queue" description:"Configure what notification queue to use"`
	QueueURL    string `long:"queue-url" description:"SQS queue URL for dataset notifications"`
	OutputDir   string `short:"o" long:"output" default:"downloads" description:"Directory auto-downloaded datasets are written to"`
	Profile     string `long:"profile" choice:"cpu" choice:"mem" choice:"http"`
	NoExit      bool   `short:"x" long:"no-exit" description:"Prevent app from closing once the exchange completes. Especially useful for profiling."`
}

var (
	opts          Options
	sealTimer     = metrics.NewTimer()
	openTimer     = metrics.NewTimer()
	uploadTimer   = metrics.NewTimer()
	downloadTimer = metrics.NewTimer()
)

func init() {
	metrics.RegisterRuntimeMemStats(metrics.DefaultRegistry)
	metrics.RegisterDebugGCStats(metrics.DefaultRegistry)

	go metrics.CaptureDebugGCStats(metrics.DefaultRegistry, time.Second*1)
	go metrics.CaptureRuntimeMemStats(metrics.DefaultRegistry, time.Second*1)
}

type loggerFunc func(format string, v ...interface{})

func (f loggerFunc) Debugf(format string, v ...interface{}) {
	f(format, v...)
}

func CreatePerfFile() *os.File {
	file, err := os.Create(fmt.Sprintf("%s.out", opts.Profile))
	if err != nil {
		panic(err)
	}

	return file
}

func main() {
	f, err := flags.Parse(&opts)
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			return
		}

		panic(err)
	}

	if opts.Verbose && len(f) > 0 {
		fmt.Println(aurora.Cyan("Flags:"))
		for _, flagV := range f {
			fmt.Println(flagV)
		}
	}

	if opts.Profile == "http" {
		log.Printf("Starting pprof endpoint")
		go func() {
			log.Println(http.ListenAndServe("localhost:6060", nil))
		}()
	}

	if opts.Profile == "cpu" {
		log.Printf("Writing CPU profile")

		f := CreatePerfFile()
		defer f.Close()

		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	if opts.EnableLogs || opts.Verbose {
		smlog.SetLogger(loggerFunc(log.Printf))
		hcxlog.SetLogger(loggerFunc(log.Printf))
	}

	stopch := make(chan bool)

	if opts.Verbose {
		go func() {
			ticker := time.NewTicker(1 * time.Second)
			for {
				select {
				case <-stopch:
					ticker.Stop()
					return
				case <-ticker.C:
					log.Printf(
						"secrets: allocs=%d, inuse=%d\n",
						securememory.AllocCounter.Count(),
						securememory.InUseCounter.Count())
				}
			}
		}()
	}

	wrapper := CreateKeyWrapper()
	store := CreateObjectStore()
	notifications, publish := CreateNotificationQueue()

	config := helixconnect.NewConfig(
		helixconnect.WithCompressionLevel(opts.Level),
		helixconnect.WithChunkSize(opts.ChunkSize),
		helixconnect.WithMaxConcurrentChunks(opts.Concurrency),
		helixconnect.WithPollWait(2*time.Second),
		helixconnect.WithAutoDownload(opts.OutputDir),
	)

	secrets := new(memguard.SecretFactory)

	factory := helixconnect.NewClientFactory(
		config,
		wrapper,
		store,
		notifications,
		helixconnect.WithSecretFactory(secrets),
		helixconnect.WithMetrics(opts.Metrics),
	)

	start := time.Now()

	if err := RunExchange(factory, publish); err != nil {
		log.Fatalf("exchange failed: %v", err)
	}

	for i := 0; i < opts.Iterations; i++ {
		log.Println("Run iteration:", i)
		RunTransferIteration(factory, i)
	}

	factory.Close()

	end := time.Since(start)

	if opts.Metrics {
		fmt.Println("Total time:", end)
		fmt.Println("Secrets allocated:", securememory.AllocCounter.Count())
		PrintMetrics("Seal", sealTimer)
		PrintMetrics("Open", openTimer)
		PrintMetrics("Upload", uploadTimer)
		PrintMetrics("Download", downloadTimer)
		PrintSDKCounters()
		PrintColoredJSON("Metrics:", metrics.DefaultRegistry)
	}

	if opts.Verbose {
		log.Printf(
			"[run complete] secrets: allocs=%d, inuse=%d\n",
			securememory.AllocCounter.Count(),
			securememory.InUseCounter.Count())
	}

	if opts.Profile == "mem" {
		f := CreatePerfFile()
		defer f.Close()

		// ensure latest stats
		runtime.GC()

		log.Printf("Writing heap profile")
		pprof.WriteHeapProfile(f)
	}

	if opts.NoExit {
		sigs := make(chan os.Signal, 1)
		done := make(chan bool, 1)

		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

		go func() {
			sig := <-sigs
			fmt.Printf("%v received\n", sig)
			done <- true
		}()

		fmt.Println("Refusing to exit as per the no-exit flag (send SIGINT or SIGTERM to close)")
		<-done
		fmt.Println("Exiting")
	}

	if opts.Verbose {
		stopch <- true

		log.Printf(
			"[final] secrets: allocs=%d, inuse=%d\n",
			securememory.AllocCounter.Count(),
			securememory.InUseCounter.Count())
	}
}

// RunExchange drives one end-to-end dataset exchange: seal and open a single
// record in memory, upload the full dataset, publish its notification, then
// consume it through the listener with auto-download and verify the bytes.
func RunExchange(factory *helixconnect.ClientFactory, publish func(body string)) error {
	ctx := context.Background()

	producer := factory.Producer()
	consumer := factory.Consumer()

	version := time.Now().UTC().Format("20060102-150405")
	objectID := datasetID + "/" + version

	records := GenerateOrders(opts.Records)
	payload := MarshalDataset(records)

	log.Printf("Exchanging dataset %s (%d records, %d bytes)", objectID, len(records), len(payload))

	// A single record through the in-memory seal path.
	recordJSON, err := json.Marshal(records[0])
	if err != nil {
		return err
	}

	if opts.Results {
		PrintColoredJSON("Before Seal:", records[0])
	}

	var sealed []byte

	sealTimer.Time(func() {
		sealed, err = producer.Seal(ctx, recordJSON)
	})

	if err != nil {
		return errors.Wrap(err, "sealing record")
	}

	var opened []byte

	openTimer.Time(func() {
		opened, err = consumer.Open(ctx, sealed)
	})

	if err != nil {
		return errors.Wrap(err, "opening record")
	}

	if opts.Results {
		PrintColoredJSON("After Open:", json.RawMessage(opened))
	}

	// The full dataset through the chunked transfer path.
	transferOpts := []helixconnect.TransferOption{
		helixconnect.WithContentLength(int64(len(payload))),
	}

	if opts.Progress {
		transferOpts = append(transferOpts, helixconnect.WithProgress(func(p helixconnect.Progress) {
			fmt.Printf("\ruploaded chunk %d (%d/%d bytes)", p.ChunkIndex, p.BytesTransferred, p.TotalBytes)
		}))
	}

	uploadTimer.Time(func() {
		_, err = producer.Upload(ctx, objectID, bytes.NewReader(payload), transferOpts...)
	})

	if opts.Progress {
		fmt.Println()
	}

	if err != nil {
		return errors.Wrap(err, "uploading dataset")
	}

	if publish == nil {
		// No send path on this queue backend; verify with a direct download.
		log.Printf("Queue backend is receive-only; downloading directly")
		return VerifyDirectDownload(ctx, factory, objectID, payload)
	}

	publish(fmt.Sprintf(`{"eventId":%q,"datasetId":%q,"version":%q,"publishedAt":%q}`,
		RandStringBytes(16), datasetID, version, time.Now().UTC().Format(time.RFC3339)))

	handled := make(chan helixconnect.NotificationRecord, 1)

	listener, err := consumer.Listen(ctx, func(_ context.Context, record helixconnect.NotificationRecord) error {
		handled <- record
		return nil
	})
	if err != nil {
		return err
	}

	defer listener.Stop()

	var record helixconnect.NotificationRecord

	select {
	case record = <-handled:
	case <-time.After(10 * time.Second):
		return errors.New("timed out waiting for the dataset notification")
	}

	downloaded, err := os.ReadFile(record.LocalPath)
	if err != nil {
		return errors.Wrap(err, "reading auto-downloaded dataset")
	}

	if !bytes.Equal(payload, downloaded) {
		fmt.Println(aurora.Red("Dataset mismatch after round trip!"))
		return errors.Errorf("downloaded dataset differs from source (%d vs %d bytes)", len(downloaded), len(payload))
	}

	fmt.Println(aurora.Green(fmt.Sprintf("Dataset %s verified: %d bytes via %s", objectID, len(downloaded), record.LocalPath)))

	return nil
}

// VerifyDirectDownload fetches objectID without the notification leg and
// compares it against the source payload.
func VerifyDirectDownload(ctx context.Context, factory *helixconnect.ClientFactory, objectID string, payload []byte) error {
	localPath := filepath.Join(opts.OutputDir, strings.ReplaceAll(objectID, "/", "_"))

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return err
	}

	sink, err := os.Create(localPath)
	if err != nil {
		return err
	}

	_, err = factory.Consumer().Download(ctx, objectID, sink)
	if cerr := sink.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		return errors.Wrap(err, "downloading dataset")
	}

	downloaded, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}

	if !bytes.Equal(payload, downloaded) {
		return errors.Errorf("downloaded dataset differs from source (%d vs %d bytes)", len(downloaded), len(payload))
	}

	fmt.Println(aurora.Green(fmt.Sprintf("Dataset %s verified: %d bytes via %s", objectID, len(downloaded), localPath)))

	return nil
}

// RunTransferIteration uploads and downloads opts.Transfers datasets
// concurrently, feeding the upload and download timers.
func RunTransferIteration(factory *helixconnect.ClientFactory, iteration int) {
	var wg sync.WaitGroup

	producer := factory.Producer()
	consumer := factory.Consumer()

	for i := 0; i < opts.Transfers; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			objectID := "bench/" + strconv.Itoa(iteration) + "-" + strconv.Itoa(i)
			payload := MarshalDataset(GenerateOrders(opts.Records))

			if opts.Verbose {
				log.Printf("Starting transfer for %s", objectID)
			}

			var err error

			uploadTimer.Time(func() {
				_, err = producer.Upload(context.Background(), objectID, bytes.NewReader(payload))
			})

			if err != nil {
				panic(err)
			}

			var sink bytes.Buffer

			downloadTimer.Time(func() {
				_, err = consumer.Download(context.Background(), objectID, &sink)
			})

			if err != nil {
				panic(err)
			}

			if !bytes.Equal(payload, sink.Bytes()) {
				panic(errors.Errorf("round trip mismatch for %s", objectID))
			}
		}(i)
	}

	wg.Wait()
}

func CreateKeyWrapper() helixconnect.KeyWrapper {
	if opts.KMS == awskms {
		if opts.Region == "" || opts.RegionMap == "" {
			panic(errors.Errorf("preferred region and <region>=<arn> tuples are mandatory with KMS Type: AWS"))
		}

		regionArnMap := make(map[string]string)

		for _, regionArn := range strings.Split(opts.RegionMap, ",") {
			parts := strings.SplitN(regionArn, "=", 2)
			if len(parts) != 2 {
				panic(errors.Errorf("malformed region map entry: %s", regionArn))
			}

			regionArnMap[parts[0]] = parts[1]
		}

		log.Printf("Using AWS KMS...")

		wrapper, err := kms.NewAWS(opts.Region, regionArnMap)
		if err != nil {
			panic(err)
		}

		return wrapper
	}

	log.Printf("Using static key wrapper...")

	wrapper, err := kms.NewStatic("thisIsAStaticMasterKeyForTesting", aead.NewAES256GCM())
	if err != nil {
		panic(errors.Wrap(err, "failed to create static key wrapper"))
	}

	return wrapper
}

func CreateObjectStore() helixconnect.ObjectStore {
	if opts.Store == s3store {
		if opts.Bucket == "" {
			panic(errors.Errorf("bucket is a mandatory parameter with Store Type: S3"))
		}

		log.Printf("Using S3 object store...")

		store, err := storage.NewS3(opts.Region, opts.Bucket)
		if err != nil {
			panic(err)
		}

		return store
	}

	log.Printf("Using in-memory object store...")

	return storage.NewMemoryStore()
}

// CreateNotificationQueue returns the queue plus a local publish function.
// The publish function is nil for SQS, where producers publish through their
// own infrastructure rather than this demo.
func CreateNotificationQueue() (helixconnect.NotificationQueue, func(body string)) {
	if opts.Queue == sqsqueue {
		if opts.QueueURL == "" {
			panic(errors.Errorf("queue-url is a mandatory parameter with Queue Type: SQS"))
		}

		log.Printf("Using SQS notification queue...")

		q, err := queue.NewSQS(opts.Region, opts.QueueURL)
		if err != nil {
			panic(err)
		}

		return q, nil
	}

	log.Printf("Using in-memory notification queue...")

	q := queue.NewMemoryQueue()

	return q, func(body string) { q.Send(body) }
}
