package jsontemplate

import "os"

// Params hold eagerly loaded parameters for config templates and fall back to
// environment variables.
type Params struct {
	params map[string]string
}

func NewParams() *Params {
	return &Params{
		params: make(map[string]string),
	}
}

func (pl *Params) Set(key, value string) {
	pl.params[key] = value
}

// Get retrieves key's value from the params map, falling back to the
// TABLESINK_PARAM_<key> environment variable.
func (pl *Params) Get(key string) (string, bool) {
	if pl != nil {
		if value, exists := pl.params[key]; exists {
			return value, true
		}
	}

	value := os.Getenv("TABLESINK_PARAM_" + key)
	if value != "" {
		return value, true
	}

	return "", false
}
