package snapseek

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tailscale/squibble"
	_ "modernc.org/sqlite"
)

//go:embed db/latest_schema.sql
var dbSchema string

var schema = &squibble.Schema{
	Current: dbSchema,
}

// Store is the file-backed cache of image descriptions and embedding
// vectors. An image is keyed by its source identifier (local path or remote
// URL); once a description and an embedding for the active model exist they
// are never regenerated.
type Store struct {
	mu sync.Mutex
	db *sql.DB

	filepath string
}

// Image is one cached image record.
type Image struct {
	Id              int
	Source          string // unique identifier: local path or remote URL
	Origin          string // "local" or "unsplash"
	Path            string // where the bytes live on disk
	Width           int
	Height          int
	Photographer    string // Unsplash attribution, empty for local images
	PhotographerURL string
	Description     string
	DescribedAt     sql.NullTime
	AttemptedAt     sql.NullTime
	Describer       string

	Embedding *Embedding // optional reference
}

type Embedding struct {
	Id        int
	ImageId   int
	Model     string
	Vector    []float32
	CreatedAt time.Time

	Image *Image // parent image
}

// ImageFile is an image discovered by one of the source adapters, not yet
// in the cache.
type ImageFile struct {
	Source          string
	Origin          string
	Path            string
	Width           int
	Height          int
	Photographer    string
	PhotographerURL string
}

func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.db.Close()
}

func NewStore(ctx context.Context, fname string) (*Store, error) {
	// Open the DB but flip on the cleaner timestamps from Go
	sqldb, err := sql.Open("sqlite", fname+"?_time_format=sqlite")
	if err != nil {
		return nil, err
	}
	if err := sqldb.PingContext(ctx); err != nil {
		return nil, err
	}
	if err := schema.Apply(ctx, sqldb); err != nil {
		return nil, err
	}

	return &Store{db: sqldb, filepath: fname}, nil
}

// UpsertImages inserts newly discovered images, skipping sources already in
// the cache. Returns the number of rows added. Insertion order is preserved
// in the row ids, which is what gives ranked results their stable tie
// ordering.
func (s *Store) UpsertImages(ctx context.Context, files []ImageFile, batchSize int) (int, error) {
	txn, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer txn.Rollback()

	start := 0
	affected := 0
	for start < len(files) {
		end := min(start+batchSize, len(files))

		const ncols = 7
		qsb := strings.Builder{}
		qsb.WriteString("INSERT OR IGNORE INTO images (source, origin, local_path, width, height, photographer, photographer_url) VALUES")
		values := make([]any, 0, batchSize*ncols)
		for idx, file := range files[start:end] {
			if idx > 0 {
				qsb.WriteString(",")
			}
			qsb.WriteString(" ($")
			for j := range ncols {
				if j > 0 {
					qsb.WriteString(",$")
				}
				qsb.WriteString(strconv.Itoa(idx*ncols + j + 1))
			}
			qsb.WriteString(")")

			values = append(values, file.Source, file.Origin, file.Path, file.Width, file.Height, file.Photographer, file.PhotographerURL)
		}

		res, err := txn.ExecContext(ctx, qsb.String(), values...)
		if err != nil {
			return 0, err
		}

		ra, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		affected += int(ra)
		start = end
	}

	return affected, txn.Commit()
}

// ImagesToDescribe returns Image models for all the images in the cache
// that lack a description and have not previously failed.
func (s *Store) ImagesToDescribe(ctx context.Context) ([]*Image, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, source, origin, local_path, width, height, description
		 FROM images
		 WHERE described_at IS NULL AND attempted_at IS NULL
		 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []*Image
	for rows.Next() {
		img := &Image{}

		var desc sql.NullString
		err = rows.Scan(&img.Id, &img.Source, &img.Origin, &img.Path, &img.Width, &img.Height, &desc)
		if err != nil {
			return nil, err
		}
		if desc.Valid {
			img.Description = desc.String
		}
		images = append(images, img)
	}

	return images, rows.Err()
}

// UpdateImageDescription stores a generated description. Only the
// description, describer and described_at columns are updated, hence this
// function should be called after a successful description has been
// generated.
func (s *Store) UpdateImageDescription(ctx context.Context, img *Image, describer string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE images SET description=$1,describer=$2,described_at=$3 WHERE id=$4",
		img.Description,
		describer,
		img.DescribedAt,
		img.Id)
	return err
}

// UpdateImageAttempted updates the attempted_at timestamp for an images
// row. Images with a failed attempt are skipped on later runs until the
// cache is rebuilt.
func (s *Store) UpdateImageAttempted(ctx context.Context, id int, describer string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE images SET attempted_at=$1,describer=$2 WHERE id=$3",
		at,
		describer,
		id)
	return err
}

// ImagesMissingEmbeddings finds all described images that do not have an
// embedding for the given model and returns them as Image models.
func (s *Store) ImagesMissingEmbeddings(ctx context.Context, model string) ([]*Image, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.source, i.origin, i.local_path, i.width, i.height,
			   i.description, i.described_at, i.attempted_at
		FROM images i
		LEFT JOIN embeddings e ON i.id=e.image_id AND e.model=$1
		WHERE i.description IS NOT NULL AND e.id IS NULL
		ORDER BY i.id`, model)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []*Image
	for rows.Next() {
		img := &Image{}

		var desc sql.NullString
		err := rows.Scan(
			&img.Id,
			&img.Source,
			&img.Origin,
			&img.Path,
			&img.Width,
			&img.Height,
			&desc,
			&img.DescribedAt,
			&img.AttemptedAt,
		)
		if err != nil {
			return nil, err
		}
		if desc.Valid {
			img.Description = desc.String
		}

		images = append(images, img)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	return images, nil
}

// PutEmbedding inserts the embedding vector for an image under the given
// model tag and returns an Embedding model. Putting a vector for the same
// image and model twice replaces the earlier row, so the call is
// idempotent across runs.
func (s *Store) PutEmbedding(ctx context.Context, vector []float32, model string, img *Image, at time.Time) (*Embedding, error) {
	embed := &Embedding{
		ImageId:   img.Id,
		Model:     model,
		Vector:    vector,
		CreatedAt: at,
		Image:     img,
	}
	blob, err := vectorToBlob(vector)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO embeddings
		(image_id, model, vector, created_at)
		VALUES (?,?,?,?)
		`,
		img.Id, model, blob, at,
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	embed.Id = int(id)

	// Update the Image's association to this embedding
	img.Embedding = embed
	return embed, nil
}

// GetImage retrieves a single Image model by row id.
func (s *Store) GetImage(ctx context.Context, id int) (*Image, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source, origin, local_path, width, height,
			   photographer, photographer_url, description,
			   described_at, attempted_at, describer
		FROM images
		WHERE id=?`, id)
	return scanImage(row)
}

// GetImageBySource retrieves a single Image model by its source identifier
// together with its embedding for the given model, if one exists.
func (s *Store) GetImageBySource(ctx context.Context, source, model string) (*Image, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source, origin, local_path, width, height,
			   photographer, photographer_url, description,
			   described_at, attempted_at, describer
		FROM images
		WHERE source=?`, source)
	img, err := scanImage(row)
	if err != nil {
		return nil, err
	}

	erow := s.db.QueryRowContext(ctx, `
		SELECT id, image_id, model, vector, created_at
		FROM embeddings
		WHERE image_id=? AND model=?`, img.Id, model)

	var blob []byte
	embed := &Embedding{Image: img}
	err = erow.Scan(&embed.Id, &embed.ImageId, &embed.Model, &blob, &embed.CreatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return img, nil
	case err != nil:
		return nil, err
	}

	if embed.Vector, err = blobToVector(blob); err != nil {
		return nil, err
	}
	img.Embedding = embed
	return img, nil
}

func scanImage(row *sql.Row) (*Image, error) {
	img := &Image{}

	var photographer, photographerURL, desc, describer sql.NullString
	err := row.Scan(
		&img.Id,
		&img.Source,
		&img.Origin,
		&img.Path,
		&img.Width,
		&img.Height,
		&photographer,
		&photographerURL,
		&desc,
		&img.DescribedAt,
		&img.AttemptedAt,
		&describer,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("image: %w", ErrNotFound)
		}
		return nil, err
	}
	if photographer.Valid {
		img.Photographer = photographer.String
	}
	if photographerURL.Valid {
		img.PhotographerURL = photographerURL.String
	}
	if desc.Valid {
		img.Description = desc.String
	}
	if describer.Valid {
		img.Describer = describer.String
	}
	return img, nil
}

// CountEmbeddings returns the number of embeddings in the cache for the
// given model.
func (s *Store) CountEmbeddings(ctx context.Context, model string) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM embeddings WHERE model=?`, model)

	var ne int
	if err := row.Scan(&ne); err != nil {
		return 0, err
	}

	return ne, nil
}

// EmbeddingsForModel returns every embedding computed with the given model
// along with its parent Image, ordered by image discovery order. Restricting
// to one model keeps vectors of mixed dimensionality out of a single
// ranking. A non-empty origin limits the results to one image source
// ("local" or "unsplash") so searching one mode never surfaces the other's
// images.
func (s *Store) EmbeddingsForModel(ctx context.Context, model, origin string) ([]*Embedding, error) {
	query := `
		SELECT e.id, e.image_id, e.model, e.vector, e.created_at,
			   i.id, i.source, i.origin, i.local_path, i.width, i.height,
			   i.photographer, i.photographer_url,
			   i.description, i.described_at, i.attempted_at, i.describer
		FROM embeddings e
		INNER JOIN images i ON e.image_id=i.id
		WHERE e.model=$1`
	args := []any{model}
	if origin != "" {
		query += " AND i.origin=$2"
		args = append(args, origin)
	}
	query += " ORDER BY i.id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var embeddings []*Embedding
	for rows.Next() {
		emb := &Embedding{}
		img := &Image{}

		var blob []byte
		var photographer, photographerURL, desc, describer sql.NullString
		err := rows.Scan(
			&emb.Id,
			&emb.ImageId,
			&emb.Model,
			&blob,
			&emb.CreatedAt,
			&img.Id,
			&img.Source,
			&img.Origin,
			&img.Path,
			&img.Width,
			&img.Height,
			&photographer,
			&photographerURL,
			&desc,
			&img.DescribedAt,
			&img.AttemptedAt,
			&describer,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning embeddings and images: %w", err)
		}
		if photographer.Valid {
			img.Photographer = photographer.String
		}
		if photographerURL.Valid {
			img.PhotographerURL = photographerURL.String
		}
		if desc.Valid {
			img.Description = desc.String
		}
		if describer.Valid {
			img.Describer = describer.String
		}
		if emb.Vector, err = blobToVector(blob); err != nil {
			return nil, err
		}

		img.Embedding = emb
		emb.Image = img
		embeddings = append(embeddings, emb)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating embeddings and images: %w", err)
	}

	return embeddings, nil
}

// Reset clears all cached descriptions and embeddings but keeps the
// discovered images, forcing the next run to reprocess everything.
func (s *Store) Reset(ctx context.Context) error {
	txn, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer txn.Rollback()

	if _, err := txn.ExecContext(ctx, "DELETE FROM embeddings"); err != nil {
		return err
	}
	if _, err := txn.ExecContext(ctx,
		"UPDATE images SET description=NULL,described_at=NULL,attempted_at=NULL,describer=NULL"); err != nil {
		return err
	}

	return txn.Commit()
}

func vectorToBlob(vector []float32) ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.Grow(len(vector) * 4)
	if err := binary.Write(buf, binary.BigEndian, vector); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func blobToVector(blob []byte) ([]float32, error) {
	vector := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.BigEndian, &vector); err != nil {
		return nil, err
	}
	return vector, nil
}
