package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dmarins/snapseek"
	"github.com/dmarins/snapseek/describer"
	"github.com/dmarins/snapseek/internal/unsplash"
	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"
)

var (
	libraryPath   = flag.String("library", "", "Path to a local folder of images to index")
	dbPath        = flag.String("db", "./snapseek.db", "Path to the cache database")
	unsplashQuery = flag.String("unsplash", "", "Search Unsplash for images to index")
	fetchCount    = flag.Int("fetch", 15, "Number of Unsplash images to fetch (5-30)")
	cacheDir      = flag.String("cache-dir", "./unsplash_cache", "Directory for downloaded Unsplash images")
	query         = flag.String("query", "", "Free text search query")
	topK          = flag.Int("topk", 3, "Number of results to show (1-10)")
	showDescs     = flag.Bool("show-descriptions", false, "Show the generated image descriptions with results")
	rebuild       = flag.Bool("rebuild", false, "Discard cached descriptions and embeddings and reprocess")
	count         = flag.Int("count", -1, "Limit the number of items to process")
	serve         = flag.Bool("serve", false, "Start the web UI")
	port          = flag.String("port", "8080", "Web UI port")

	// Set by the signal handler goroutine, read by the batch loop.
	lameduck atomic.Bool
)

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// indexLibrary discovers images in the local folder and records them in the
// cache.
func indexLibrary(ctx context.Context, store *snapseek.Store) error {
	files, err := snapseek.ScanLibrary(*libraryPath)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no images found in %q: %w", *libraryPath, snapseek.ErrNotFound)
	}
	fmt.Printf("Found %d images on disk\n", len(files))

	const batchSize = 100
	added, err := store.UpsertImages(ctx, files, batchSize)
	if err != nil {
		return err
	}
	fmt.Printf("Added %d new images\n", added)
	return nil
}

// indexUnsplash searches Unsplash, downloads the results into the image
// cache directory and records them in the cache. The stable identifier for
// a remote image is its unsplash.com photo page URL, which unlike the CDN
// rendition URLs does not carry per-search token parameters.
func indexUnsplash(ctx context.Context, uc *unsplash.Client, store *snapseek.Store) error {
	n := clamp(*fetchCount, 5, 30)
	fmt.Printf("Searching Unsplash for %q\n", *unsplashQuery)
	photos, err := uc.Search(ctx, *unsplashQuery, n)
	if err != nil {
		return err
	}
	if len(photos) == 0 {
		fmt.Println("Unsplash returned no photos for this search")
		return nil
	}

	dir := unsplash.QueryDir(*cacheDir, *unsplashQuery)
	files := make([]snapseek.ImageFile, 0, len(photos))
	bar := progressbar.NewOptions(
		len(photos),
		progressbar.OptionSetDescription("Downloading"),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() { fmt.Println() }),
	)
	for _, photo := range photos {
		fpath, err := uc.Download(ctx, photo, dir)
		if err != nil {
			fmt.Printf("\ndownload %s failed, skipping: %s\n", photo.ID, err)
			continue
		}
		w, h, _ := imageDimensions(fpath)
		files = append(files, snapseek.ImageFile{
			Source:          "https://unsplash.com/photos/" + photo.ID,
			Origin:          "unsplash",
			Path:            fpath,
			Width:           w,
			Height:          h,
			Photographer:    photo.Photographer,
			PhotographerURL: photo.PhotographerURL,
		})
		bar.Add(1)
	}
	bar.Finish()

	added, err := store.UpsertImages(ctx, files, 100)
	if err != nil {
		return err
	}
	fmt.Printf("Downloaded %d photos, %d new\n", len(files), added)
	return nil
}

func describeImageFn(ctx context.Context, d describer.Describer, img *snapseek.Image, store *snapseek.Store) error {
	now := time.Now()

	imgdata, err := os.ReadFile(img.Path)
	if err != nil {
		// Skip missing file errors
		if _, ok := err.(*fs.PathError); ok {
			fmt.Printf("\nfile error, skipping: %s\n", err)
			err = store.UpdateImageAttempted(ctx, img.Id, d.Name(), now)
			if err != nil {
				fmt.Printf("error updating image attempt: %s\n", err)
				return err
			}
			return nil
		}
		return err
	}

	img.Description, err = d.DescribeImage(ctx, imgdata)
	if err != nil {
		store.UpdateImageAttempted(ctx, img.Id, d.Name(), now) // ignore error, already in an error state
		return err
	}

	img.DescribedAt.Time = now
	img.DescribedAt.Valid = true
	return store.UpdateImageDescription(ctx, img, d.Name())
}

func calcEmbeddingFn(ctx context.Context, d describer.Describer, img *snapseek.Image, store *snapseek.Store) error {
	vector, err := d.Embeddings(ctx, img.Description)
	if err != nil {
		return err
	}
	_, err = store.PutEmbedding(ctx, vector, d.Model(), img, time.Now())
	return err
}

// processBatch runs workFn over each image sequentially. A failure on one
// image is reported and does not stop the rest of the batch; failed
// describes are remembered via attempted_at so they are not retried on
// every run.
func processBatch(ctx context.Context, label string, images []*snapseek.Image, d describer.Describer, store *snapseek.Store,
	workFn func(context.Context, describer.Describer, *snapseek.Image, *snapseek.Store) error) error {

	if *count > -1 {
		images = images[:min(len(images), *count)]
	}
	if len(images) == 0 {
		return nil
	}
	fmt.Printf("%s: %d images to process\n", label, len(images))

	bar := progressbar.NewOptions(
		len(images),
		progressbar.OptionSetDescription(label),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() { fmt.Println() }),
	)

	errcnt := 0
	for i := 0; i < len(images) && !lameduck.Load(); i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		img := images[i]
		if err := workFn(ctx, d, img, store); err != nil {
			// A credential problem will fail every remaining item too, no
			// point continuing the batch.
			if errors.Is(err, snapseek.ErrAuth) {
				return err
			}

			errcnt++
			_, fname := filepath.Split(img.Path)
			fmt.Printf("\n%s <%d: %s> failed: %s\n", label, img.Id, fname, err)
			continue
		}
		bar.Add(1)
	}
	bar.Finish()

	if errcnt > 0 {
		fmt.Printf("%s: %d of %d images failed, will retry on a future run\n", label, errcnt, len(images))
	}
	return nil
}

// runQuery ranks the cached embeddings against q. A non-empty origin limits
// the search to images from one source adapter.
func runQuery(ctx context.Context, q, origin string, d describer.Describer, store *snapseek.Store) error {
	fmt.Println("Computing query embedding vector...")
	queryvec, err := d.Embeddings(ctx, q)
	if err != nil {
		return err
	}

	embeds, err := store.EmbeddingsForModel(ctx, d.Model(), origin)
	if err != nil {
		return err
	}

	results, err := snapseek.Rank(queryvec, embeds, clamp(*topK, 1, 10))
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("No indexed images to search, index a library or fetch from Unsplash first")
		return nil
	}

	for i, res := range results {
		fmt.Printf("Idx %d    Score=%0.4f\nSource=%q\n", i+1, res.Score, res.Image.Source)
		if *showDescs {
			fmt.Printf("Description=%q\n", res.Image.Description)
		}
		if i < len(results)-1 {
			fmt.Println("==========")
		}
	}

	return nil
}

func run(ctx context.Context, s *snapseek.Snapseek) error {
	store, err := snapseek.NewStore(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if *rebuild {
		if err := store.Reset(ctx); err != nil {
			return err
		}
		fmt.Println("Cache cleared, images will be reprocessed")
	}

	if *libraryPath != "" {
		if err := indexLibrary(ctx, store); err != nil {
			return err
		}
	}
	if *unsplashQuery != "" {
		if s.Unsplash == nil {
			return fmt.Errorf("UNSPLASH_ACCESS_KEY is not set, remote mode disabled: %w", snapseek.ErrAuth)
		}
		if err := indexUnsplash(ctx, s.Unsplash, store); err != nil {
			return err
		}
	}

	// Everything from this point on talks to the model APIs.
	if !s.IsHealthy() {
		return fmt.Errorf("model API is not responding: %w", snapseek.ErrExternalService)
	}

	// Fill the cache: first descriptions, then their embeddings.
	images, err := store.ImagesToDescribe(ctx)
	if err != nil {
		return err
	}
	if err := processBatch(ctx, "Describing", images, s.Describer, store, describeImageFn); err != nil {
		return err
	}

	images, err = store.ImagesMissingEmbeddings(ctx, s.Model())
	if err != nil {
		return err
	}
	if err := processBatch(ctx, "Embedding", images, s.Describer, store, calcEmbeddingFn); err != nil {
		return err
	}

	if *query != "" {
		// When an indexing flag was given search only that source, a bare
		// -query searches everything in the cache.
		origin := ""
		switch {
		case *unsplashQuery != "":
			origin = "unsplash"
		case *libraryPath != "":
			origin = "local"
		}
		if err := runQuery(ctx, *query, origin, s.Describer, store); err != nil {
			return err
		}
	}

	if *serve {
		srv := NewServer(s, store, *port)
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()
		log.Printf("Web UI listening on :%s", *port)

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		}
	}

	return nil
}

// imageDimensions returns the pixel dimensions of the image at path.
func imageDimensions(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

func sighandler(ch chan os.Signal, cancel context.CancelFunc) {
	for {
		<-ch
		if lameduck.Load() {
			// Already in lame duck, hard stop
			fmt.Println("Exiting")
			cancel()
			return
		} else {
			fmt.Println("SIGINT received, stopping...")
			lameduck.Store(true)
		}
	}
}

func main() {
	flag.Parse()

	// Optional .env file with the API credentials
	godotenv.Load()

	if *libraryPath == "" && *unsplashQuery == "" && *query == "" && !*serve {
		flag.Usage()
		os.Exit(1)
	}

	s, err := snapseek.Init(snapseek.InitOptions{
		HttpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	})
	if err != nil {
		log.Fatal(err)
	}

	sigch := make(chan os.Signal, 2)
	signal.Notify(sigch, os.Interrupt)

	ctx, cancel := context.WithCancel(context.Background())
	go sighandler(sigch, cancel)

	if err := run(ctx, s); err != nil {
		log.Fatal(err)
	}
}
