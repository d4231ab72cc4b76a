package httpx

import (
	"errors"
	"net/http"

	"github.com/meridian-research/meridian-authz/internal/authz"
	"github.com/meridian-research/meridian-authz/internal/principals"
)

// RespondError maps engine errors to RFC7807 responses. Authorization
// denial is never an error: denied checks return a normal false payload,
// so a caller cannot distinguish "no access" from "no such object" here.
// Only configuration mistakes surface as problems.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, authz.ErrUnknownPrincipal):
		Problem(w, http.StatusBadRequest, "Unknown Principal", err.Error())
	case errors.Is(err, authz.ErrOwnershipViolation):
		Problem(w, http.StatusConflict, "Ownership Invariant", err.Error())
	case errors.Is(err, principals.ErrAlreadyExists):
		Problem(w, http.StatusConflict, "Already Exists", err.Error())
	case errors.Is(err, principals.ErrSelfReference):
		Problem(w, http.StatusBadRequest, "Self Reference", err.Error())
	case errors.Is(err, principals.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
