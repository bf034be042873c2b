package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/mnemora/mnemora/internal/memory"
	"github.com/mnemora/mnemora/internal/saga"
	"github.com/mnemora/mnemora/internal/validation"
)

// Problem is an RFC 7807 Problem Details response. RequestID ties the
// document back to the request log line; CompletedStages appears when a
// write saga failed partway, naming the stages that had already landed.
type Problem struct {
	Type            string                  `json:"type"`
	Title           string                  `json:"title"`
	Status          int                     `json:"status"`
	Detail          string                  `json:"detail"`
	Instance        string                  `json:"instance,omitempty"`
	RequestID       string                  `json:"request_id,omitempty"`
	Errors          []validation.FieldError `json:"errors,omitempty"`
	CompletedStages []saga.Stage            `json:"completed_stages,omitempty"`
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]struct {
	typeURI string
	title   string
}{
	http.StatusUnauthorized: {
		typeURI: "https://mnemora.dev/errors/unauthorized",
		title:   "Unauthorized",
	},
	http.StatusBadRequest: {
		typeURI: "https://mnemora.dev/errors/bad-request",
		title:   "Bad Request",
	},
	http.StatusNotFound: {
		typeURI: "https://mnemora.dev/errors/not-found",
		title:   "Not Found",
	},
	http.StatusUnprocessableEntity: {
		typeURI: "https://mnemora.dev/errors/validation-error",
		title:   "Validation Error",
	},
	http.StatusBadGateway: {
		typeURI: "https://mnemora.dev/errors/upstream-error",
		title:   "Bad Gateway",
	},
	http.StatusServiceUnavailable: {
		typeURI: "https://mnemora.dev/errors/service-unavailable",
		title:   "Service Unavailable",
	},
	http.StatusInternalServerError: {
		typeURI: "https://mnemora.dev/errors/internal-error",
		title:   "Internal Server Error",
	},
}

// writeProblem writes an RFC 7807 Problem Details response.
func writeProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeProblemDoc(w, r, Problem{Status: status, Detail: detail})
}

// writeValidationProblem writes a 422 problem carrying field errors.
func writeValidationProblem(w http.ResponseWriter, r *http.Request, detail string, errs []validation.FieldError) {
	writeProblemDoc(w, r, Problem{
		Status: http.StatusUnprocessableEntity,
		Detail: detail,
		Errors: errs,
	})
}

func writeProblemDoc(w http.ResponseWriter, r *http.Request, p Problem) {
	pt, ok := problemTypes[p.Status]
	if !ok {
		pt = struct {
			typeURI string
			title   string
		}{
			typeURI: "https://mnemora.dev/errors/unknown",
			title:   http.StatusText(p.Status),
		}
	}
	p.Type = pt.typeURI
	p.Title = pt.title
	p.Instance = r.URL.Path
	p.RequestID = middleware.GetReqID(r.Context())

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	// The encoder only fails on a broken connection; nothing to do then.
	_ = json.NewEncoder(w).Encode(p)
}

// mapError converts domain errors to Problem Details responses. Input
// sentinels become 400s, not-found 404s, validator errors 422s with field
// detail, store and stage failures 502/503. Anything else is an opaque 500;
// internal detail never reaches the client.
func mapError(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validator.ValidationErrors
	var stageErr *saga.StageError
	var storeErr *memory.StoreError

	switch {
	case errors.As(err, &verrs):
		writeValidationProblem(w, r, "Request contains invalid fields", validation.Fields(err))
	case memory.IsNotFound(err):
		writeProblem(w, r, http.StatusNotFound, "Resource not found")
	case memory.IsInputError(err):
		writeProblem(w, r, http.StatusBadRequest, err.Error())
	case errors.As(err, &stageErr):
		writeProblemDoc(w, r, Problem{
			Status:          http.StatusBadGateway,
			Detail:          "Write failed at the " + string(stageErr.Stage) + " stage",
			CompletedStages: stageErr.Completed,
		})
	case errors.As(err, &storeErr):
		writeProblem(w, r, http.StatusServiceUnavailable,
			"The "+string(storeErr.Store)+" store is unavailable")
	default:
		writeProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
