package knowledge

import "errors"

var (
	// ErrScopeViolation indicates a candidate resolved outside the requesting
	// organization. This is a retrieval-layer defect with security impact:
	// it is always fatal and logged, never silently dropped.
	ErrScopeViolation = errors.New("candidate outside requested organization scope")

	// ErrVectorNotFound indicates no stored vector exists for an entity.
	ErrVectorNotFound = errors.New("no stored vector for entity")
)
