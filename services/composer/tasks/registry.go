// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tasks

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/wizenheimer/cyyrus/services/composer/schema"
)

// Binding is a task bound to the executor of its kind.
type Binding struct {
	Task     schema.Task
	Kind     Kind
	Config   Config
	Executor Executor
}

// Invoke runs the bound executor for one input tuple.
func (b *Binding) Invoke(ctx context.Context, in Inputs) ([]any, error) {
	return b.Executor.Execute(ctx, b.Config, in)
}

// IsRetryable reports whether err is worth retrying for this task.
//
// An error is retryable when it is an ExecutionError flagged Retryable, or
// when its kind is listed by the executor's RetryClassifier.
func (b *Binding) IsRetryable(err error) bool {
	var ee *ExecutionError
	if !errors.As(err, &ee) {
		return errors.Is(err, context.DeadlineExceeded)
	}
	if ee.Retryable {
		return true
	}
	if rc, ok := b.Executor.(RetryClassifier); ok {
		return slices.Contains(rc.RetryableKinds(), ee.Kind)
	}
	return false
}

// Registry holds every task of a schema bound to its executor.
//
// Thread Safety:
//
//	Immutable after NewRegistry; safe for concurrent use.
type Registry struct {
	bindings map[string]*Binding
	order    []string
}

// NewRegistry binds each task to its kind's executor.
//
// Inputs:
//
//	tasks - The schema tasks, in declaration order.
//	executors - One executor per kind. Kinds no task uses may be absent.
//
// Outputs:
//
//	*Registry - The registry.
//	error - ErrUnknownKind, ErrNoExecutor, or ErrDuplicateTask.
func NewRegistry(tasks schema.Tasks, executors map[Kind]Executor) (*Registry, error) {
	r := &Registry{
		bindings: make(map[string]*Binding, len(tasks)),
		order:    make([]string, 0, len(tasks)),
	}
	for _, t := range tasks {
		if _, exists := r.bindings[t.ID]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateTask, t.ID)
		}
		kind, err := ParseKind(t.Kind)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", t.ID, err)
		}
		exec, ok := executors[kind]
		if !ok || exec == nil {
			return nil, fmt.Errorf("task %q: %w: %s", t.ID, ErrNoExecutor, kind)
		}
		r.bindings[t.ID] = &Binding{
			Task:     t,
			Kind:     kind,
			Config:   NewConfig(t.Properties),
			Executor: exec,
		}
		r.order = append(r.order, t.ID)
	}
	return r, nil
}

// Get returns the binding for a task id.
func (r *Registry) Get(id string) (*Binding, error) {
	b, ok := r.bindings[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, id)
	}
	return b, nil
}

// Has reports whether the task id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.bindings[id]
	return ok
}

// IDs returns task ids in declaration order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.order...)
}
