// Package validate checks JSON request bodies against the embedded schemas
// before they are decoded into handler request structs.
package validate

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ollyhq/backend/internal/apperr"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Schema names, one per file under schemas/.
const (
	Register          = "register"
	Login             = "login"
	LicenseKey        = "license_key"
	RedeemCode        = "redeem_code"
	CreateSubLicenses = "create_sublicenses"
	AssignSubLicense  = "assign_sublicense"
	IssueToken        = "issue_token"
	RedeemToken       = "redeem_token"
	CreditTransaction = "credit_transaction"
	AdminCredit       = "admin_credit"
	CreateLicense     = "create_license"
	RedeemBatch       = "redeem_batch"
	CreateAPIKey      = "create_api_key"
)

const maxBodyBytes = 64 << 10

const schemaBaseURL = "https://ollyhq.dev/schemas/"

type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// New compiles every embedded schema. Formats (email, uuid, date-time) are asserted.
func New() (*Validator, error) {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	c.AssertFormat = true

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", e.Name(), err)
		}
		if err := c.AddResource(schemaBaseURL+e.Name(), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %q: %w", e.Name(), err)
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}

	schemas := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		s, err := c.Compile(schemaBaseURL + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", name, err)
		}
		schemas[name] = s
	}
	return &Validator{schemas: schemas}, nil
}

// MustNew is New for package-level wiring; the schemas are compiled into the binary.
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

// Decode reads the request body, validates it against the named schema and
// unmarshals it into dst. An empty body is treated as {}. Every rejection is
// an InvalidInput error.
func (v *Validator) Decode(r *http.Request, name string, dst any) error {
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, "could not read request body", err)
	}
	if len(body) > maxBodyBytes {
		return apperr.New(apperr.KindInvalidInput, "request body too large")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	return v.decodeBytes(schema, body, dst)
}

func (v *Validator) decodeBytes(schema *jsonschema.Schema, body []byte, dst any) error {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, "invalid JSON", err)
	}
	if err := schema.Validate(doc); err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, describe(err), err)
	}
	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, "invalid JSON", err)
	}
	return nil
}

// describe reduces a schema failure to its innermost cause, e.g. "/email: 'x' is not valid email".
func describe(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return "request does not match schema"
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "body"
	}
	return loc + ": " + ve.Message
}
