package gateway

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	schemaCreateSession = "create_session.json"
	schemaPrompt        = "prompt.json"
	schemaApproval      = "approval.json"
)

var requestSchemas = mustCompileSchemas(schemaCreateSession, schemaPrompt, schemaApproval)

func mustCompileSchemas(names ...string) map[string]*jsonschema.Schema {
	c := jsonschema.NewCompiler()
	for _, name := range names {
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			panic(fmt.Sprintf("gateway: read schema %s: %v", name, err))
		}
		// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			panic(fmt.Sprintf("gateway: parse schema %s: %v", name, err))
		}
		if err := c.AddResource(name, doc); err != nil {
			panic(fmt.Sprintf("gateway: add schema %s: %v", name, err))
		}
	}
	out := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		sch, err := c.Compile(name)
		if err != nil {
			panic(fmt.Sprintf("gateway: compile schema %s: %v", name, err))
		}
		out[name] = sch
	}
	return out
}

// requestError is a malformed or invalid request body.
type requestError struct {
	status  int
	message string
}

func (e *requestError) Error() string { return e.message }

// decodeBody validates the request body against schema and decodes it into
// dst. An empty body is treated as {} when allowEmpty is set.
func decodeBody(r *http.Request, schema string, dst any, allowEmpty bool) error {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &requestError{status: http.StatusRequestEntityTooLarge, message: "Request body too large"}
		}
		return &requestError{status: http.StatusBadRequest, message: "Failed to read request body"}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		if !allowEmpty {
			return &requestError{status: http.StatusBadRequest, message: "Request body is required"}
		}
		raw = []byte("{}")
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &requestError{status: http.StatusBadRequest, message: "Invalid JSON: " + err.Error()}
	}
	if err := requestSchemas[schema].Validate(doc); err != nil {
		return &requestError{status: http.StatusBadRequest, message: "Request validation failed: " + oneLine(err.Error())}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &requestError{status: http.StatusBadRequest, message: "Invalid request body: " + err.Error()}
	}
	return nil
}

func writeRequestError(w http.ResponseWriter, err error) {
	var re *requestError
	if errors.As(err, &re) {
		code := "INVALID_REQUEST"
		if re.status == http.StatusRequestEntityTooLarge {
			code = "REQUEST_TOO_LARGE"
		}
		writeError(w, re.status, code, re.message, nil)
		return
	}
	writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
}

// oneLine folds a multi-line validation report into a single line.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
