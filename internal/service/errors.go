package service

import (
	"fmt"

	"github.com/google/uuid"
)

type ErrResourceNotFound struct {
	error
}

func NewErrResourceNotFound(id uuid.UUID, resourceType string) *ErrResourceNotFound {
	return &ErrResourceNotFound{fmt.Errorf("%s %s not found", resourceType, id)}
}

func NewErrJobNotFound(id uuid.UUID) *ErrResourceNotFound {
	return NewErrResourceNotFound(id, "job")
}

type ErrDrawingUnresolvable struct {
	error
}

func NewErrDrawingUnresolvable(drawingRef string, cause error) *ErrDrawingUnresolvable {
	return &ErrDrawingUnresolvable{fmt.Errorf("drawing %s cannot be resolved: %w", drawingRef, cause)}
}

type ErrInvalidStageSelection struct {
	error
}

func NewErrInvalidStageSelection(cause error) *ErrInvalidStageSelection {
	return &ErrInvalidStageSelection{fmt.Errorf("invalid stage selection: %w", cause)}
}

type ErrJobFinished struct {
	error
}

func NewErrJobFinished(id uuid.UUID, status string) *ErrJobFinished {
	return &ErrJobFinished{fmt.Errorf("job %s already finished with status %s", id, status)}
}
