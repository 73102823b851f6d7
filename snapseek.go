package snapseek

import (
	"fmt"
	"net/http"
	"os"

	"github.com/dmarins/snapseek/describer"
	"github.com/dmarins/snapseek/internal/openai"
	"github.com/dmarins/snapseek/internal/unsplash"
)

type InitOptions struct {
	// OpenAIKey is the credential for the vision and embedding APIs. If
	// empty the OPENAI_API_KEY environment variable is used.
	OpenAIKey string

	// UnsplashKey is the access key for the Unsplash search API. If empty
	// the UNSPLASH_ACCESS_KEY environment variable is used. Leaving both
	// unset disables remote mode.
	UnsplashKey string

	HttpClient *http.Client // if nil uses http.DefaultClient
}

type Snapseek struct {
	describer.Describer

	// Unsplash is nil unless an access key was provided.
	Unsplash *unsplash.Client
}

func Init(sio InitOptions) (*Snapseek, error) {
	httpClient := sio.HttpClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	key := sio.OpenAIKey
	if key == "" {
		key = os.Getenv("OPENAI_API_KEY")
	}
	if key == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is not set: %w", ErrAuth)
	}

	s := &Snapseek{Describer: openai.Init(key, httpClient)}

	ukey := sio.UnsplashKey
	if ukey == "" {
		ukey = os.Getenv("UNSPLASH_ACCESS_KEY")
	}
	if ukey != "" {
		s.Unsplash = unsplash.Init(ukey, httpClient)
	}

	return s, nil
}
