package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dmarins/snapseek"
	"github.com/dmarins/snapseek/internal/unsplash"
	"golang.org/x/sync/errgroup"
)

var (
	//go:embed tmpl/*.html
	tmplFS embed.FS

	//go:embed static
	staticFS embed.FS

	indexTmpl   *template.Template
	resultsTmpl *template.Template
)

type Server struct {
	hs     *http.Server
	app    *snapseek.Snapseek
	store  *snapseek.Store
	logger *log.Logger
}

func init() {
	indexTmpl = template.Must(template.ParseFS(tmplFS, "tmpl/index.html"))
	resultsTmpl = template.Must(template.ParseFS(tmplFS, "tmpl/_results.html"))
}

func NewServer(app *snapseek.Snapseek, store *snapseek.Store, port string) *Server {
	srv := &Server{
		app:    app,
		store:  store,
		logger: log.Default(),
	}

	srv.hs = &http.Server{
		Addr:    net.JoinHostPort("0.0.0.0", port),
		Handler: srv.serveHandler(),
	}

	return srv
}

func (s *Server) Start() error {
	return s.hs.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.hs.Shutdown(ctx)
}

func (s *Server) serveHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /static/", http.FileServerFS(staticFS))
	mux.Handle("GET /search", s.serveSearch())
	mux.Handle("GET /image/{id}", s.serveImage())
	mux.Handle("GET /", s.serveRoot())

	return mux
}

// searchParams are the UI controls, all carried as query parameters so a
// search is a plain GET.
type searchParams struct {
	Query         string // free text search
	Mode          string // "local" or "unsplash"
	UnsplashQuery string // what to fetch from Unsplash in remote mode
	Fetch         int
	TopK          int
	ShowDescs     bool
	ShowScores    bool
}

func parseSearchParams(req *http.Request) searchParams {
	q := req.URL.Query()

	p := searchParams{
		Query:         q.Get("q"),
		Mode:          q.Get("mode"),
		UnsplashQuery: q.Get("uq"),
		Fetch:         15,
		TopK:          3,
		ShowDescs:     q.Get("descs") == "1",
		ShowScores:    q.Get("scores") == "1",
	}
	if n, err := strconv.Atoi(q.Get("fetch")); err == nil {
		p.Fetch = clamp(n, 5, 30)
	}
	if k, err := strconv.Atoi(q.Get("k")); err == nil {
		p.TopK = clamp(k, 1, 10)
	}
	if p.Mode != "unsplash" {
		p.Mode = "local"
	}

	return p
}

func (s *Server) serveSearch() http.HandlerFunc {
	type searchresult struct {
		Rank            int
		Name            string
		Source          string
		Description     []string
		Score           string
		ImageURL        string
		ImageCSSClass   string
		Photographer    string
		PhotographerURL string
	}

	return func(w http.ResponseWriter, req *http.Request) {
		p := parseSearchParams(req)
		if p.Query == "" {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		s.logger.Printf("query - %q (mode %s)\n", p.Query, p.Mode)

		if p.Mode == "unsplash" && p.UnsplashQuery != "" {
			if err := s.fetchUnsplash(req.Context(), p.UnsplashQuery, p.Fetch); err != nil {
				s.logger.Printf("unsplash fetch error - %s\n", err)
				http.Error(w, userMessage(err), statusForError(err))
				return
			}
		}

		// Anything newly indexed still needs descriptions and embeddings.
		if err := s.fillCache(req.Context()); err != nil {
			s.logger.Printf("cache fill error - %s\n", err)
			http.Error(w, userMessage(err), statusForError(err))
			return
		}

		ranked, err := s.runQuery(req.Context(), p.Query, p.Mode, p.TopK)
		if err != nil {
			s.logger.Printf("runQuery error - %s\n", err)
			http.Error(w, userMessage(err), statusForError(err))
			return
		}

		results := struct {
			Query      string
			ShowDescs  bool
			ShowScores bool
			Results    []searchresult
		}{Query: p.Query, ShowDescs: p.ShowDescs, ShowScores: p.ShowScores}

		for i, res := range ranked {
			_, fname := filepath.Split(res.Image.Path)

			sr := searchresult{
				Rank:            i + 1,
				Name:            fname,
				Source:          res.Image.Source,
				Score:           fmt.Sprintf("%.1f%%", res.Score*100),
				ImageURL:        fmt.Sprintf("/image/%d", res.Image.Id),
				Photographer:    res.Image.Photographer,
				PhotographerURL: res.Image.PhotographerURL,
			}
			sr.Description = splitByNewline(res.Image.Description)

			cssClass := "img-landscape"
			if res.Image.Height > res.Image.Width {
				cssClass = "img-portrait"
			}
			sr.ImageCSSClass = cssClass

			results.Results = append(results.Results, sr)
		}
		resultsTmpl.Execute(w, results)
	}
}

// fetchUnsplash downloads photos for the search term and records them in
// the cache, mirroring the CLI's remote mode.
func (s *Server) fetchUnsplash(ctx context.Context, query string, n int) error {
	if s.app.Unsplash == nil {
		return fmt.Errorf("UNSPLASH_ACCESS_KEY is not set, remote mode disabled: %w", snapseek.ErrAuth)
	}

	photos, err := s.app.Unsplash.Search(ctx, query, n)
	if err != nil {
		return err
	}

	dir := unsplash.QueryDir(*cacheDir, query)
	files := make([]snapseek.ImageFile, 0, len(photos))
	for _, photo := range photos {
		fpath, err := s.app.Unsplash.Download(ctx, photo, dir)
		if err != nil {
			s.logger.Printf("download %s failed, skipping - %s\n", photo.ID, err)
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
	}

	_, err = s.store.UpsertImages(ctx, files, 100)
	return err
}

// fillCache describes and embeds any images that do not have a cached
// description or vector yet. Per-image failures are logged and skipped so
// one bad image does not take down the whole request.
func (s *Server) fillCache(ctx context.Context) error {
	images, err := s.store.ImagesToDescribe(ctx)
	if err != nil {
		return err
	}
	for _, img := range images {
		if err := describeImageFn(ctx, s.app.Describer, img, s.store); err != nil {
			if errors.Is(err, snapseek.ErrAuth) {
				return err
			}
			s.logger.Printf("describe <%d: %s> failed - %s\n", img.Id, img.Path, err)
		}
	}

	images, err = s.store.ImagesMissingEmbeddings(ctx, s.app.Model())
	if err != nil {
		return err
	}
	for _, img := range images {
		if err := calcEmbeddingFn(ctx, s.app.Describer, img, s.store); err != nil {
			if errors.Is(err, snapseek.ErrAuth) {
				return err
			}
			s.logger.Printf("embed <%d: %s> failed - %s\n", img.Id, img.Path, err)
		}
	}

	return nil
}

func (s *Server) serveImage() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ids := req.PathValue("id")
		if len(ids) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		id, err := strconv.Atoi(ids)
		if err != nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		img, err := s.store.GetImage(req.Context(), id)
		if err != nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		// Load the image off disk and return it
		data, err := os.ReadFile(img.Path)
		if err != nil {
			s.logger.Printf("Failed to read %s\n", img.Path)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", http.DetectContentType(data))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}
}

func (s *Server) serveRoot() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		data := struct {
			RemoteEnabled bool
		}{RemoteEnabled: s.app.Unsplash != nil}
		indexTmpl.Execute(w, data)
	}
}

// runQuery embeds the query and ranks the cached embeddings for the
// selected mode against it. The query embedding and the cache load are
// independent so they run concurrently.
func (s *Server) runQuery(ctx context.Context, query, origin string, k int) ([]snapseek.RankedResult, error) {
	g, gctx := errgroup.WithContext(ctx)

	var (
		queryvec []float32
		embeds   []*snapseek.Embedding
	)

	g.Go(func() error {
		var err error
		queryvec, err = s.app.Embeddings(gctx, query)
		return err
	})
	g.Go(func() error {
		var err error
		embeds, err = s.store.EmbeddingsForModel(gctx, s.app.Model(), origin)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("query error - %w", err)
	}

	return snapseek.Rank(queryvec, embeds, k)
}

// statusForError maps the shared error kinds onto HTTP statuses for the UI.
func statusForError(err error) int {
	switch {
	case errors.Is(err, snapseek.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, snapseek.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, snapseek.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, snapseek.ErrAuth):
		return "A service credential is missing or invalid, check the server configuration"
	case errors.Is(err, snapseek.ErrRateLimited):
		return "The photo service request quota is exhausted, try again later"
	default:
		return http.StatusText(http.StatusInternalServerError)
	}
}

// Splits s into separate substrings by newline character. Each substring is
// trimmed for whitespace and the results returned in a slice.
func splitByNewline(s string) []string {
	var sections []string
	for p := range strings.SplitSeq(s, "\n") {
		if p != "" {
			sections = append(sections, strings.TrimSpace(p))
		}
	}

	return sections
}

