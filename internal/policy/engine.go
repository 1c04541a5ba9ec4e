package policy

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ErrAccessDenied is returned when no statement allows the request, or
// any statement denies it.
var ErrAccessDenied = errors.New("access denied")

// Common action names. The vocabulary mirrors the S3 action namespace so
// policies written elsewhere port over directly.
const (
	ActionGetObject            = "s3:GetObject"
	ActionPutObject            = "s3:PutObject"
	ActionDeleteObject         = "s3:DeleteObject"
	ActionListBucket           = "s3:ListBucket"
	ActionListBucketVersions   = "s3:ListBucketVersions"
	ActionCreateBucket         = "s3:CreateBucket"
	ActionDeleteBucket         = "s3:DeleteBucket"
	ActionGetBucketPolicy      = "s3:GetBucketPolicy"
	ActionPutBucketPolicy      = "s3:PutBucketPolicy"
	ActionListMultipartUploads = "s3:ListBucketMultipartUploads"
	ActionAbortMultipartUpload = "s3:AbortMultipartUpload"
	ActionListParts            = "s3:ListMultipartUploadParts"
	ActionGetBucketVersioning  = "s3:GetBucketVersioning"
	ActionPutBucketVersioning  = "s3:PutBucketVersioning"
)

// Request is one access decision to be made.
type Request struct {
	// Principal identifies the caller. Opaque to the engine.
	Principal string

	// Action is the operation name, e.g. "s3:GetObject".
	Action string

	// Resource is "bucket" or "bucket/key".
	Resource string
}

// Engine evaluates policy documents. Stateless; documents are supplied
// per call because they live on the bucket record.
type Engine struct {
	logger *logrus.Logger
}

// NewEngine creates a policy engine.
func NewEngine(logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{logger: logger}
}

// Authorize decides the request against the document.
//
// Decision order: an explicit Deny anywhere wins; otherwise at least one
// Allow is required; with no matching statement the default is deny. A
// nil document denies everything.
func (e *Engine) Authorize(doc *Document, req Request) error {
	if doc == nil {
		return fmt.Errorf("no policy attached: %w", ErrAccessDenied)
	}

	allowed := false
	for i := range doc.Statements {
		stmt := &doc.Statements[i]
		if !statementMatches(stmt, req) {
			continue
		}
		if stmt.Effect == EffectDeny {
			e.logger.WithFields(logrus.Fields{
				"principal": req.Principal,
				"action":    req.Action,
				"resource":  req.Resource,
				"sid":       stmt.Sid,
			}).Debug("Request denied by explicit statement")
			return fmt.Errorf("denied by statement %q: %w", stmt.Sid, ErrAccessDenied)
		}
		allowed = true
	}

	if !allowed {
		return fmt.Errorf("no statement allows %s on %s: %w", req.Action, req.Resource, ErrAccessDenied)
	}
	return nil
}

// statementMatches reports whether a statement applies to the request:
// some principal matcher, some action matcher and some resource matcher
// must all hit.
func statementMatches(stmt *Statement, req Request) bool {
	return anyMatches(stmt.Principals, req.Principal) &&
		anyMatches(stmt.Actions, req.Action) &&
		anyMatches(stmt.Resources, req.Resource)
}

func anyMatches(matchers []Matcher, candidate string) bool {
	for _, m := range matchers {
		if m.Matches(candidate) {
			return true
		}
	}
	return false
}
