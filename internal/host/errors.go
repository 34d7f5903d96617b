/*
Copyright 2022 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package host

import "errors"

// Sentinel errors returned by the public operations. Async inputs (CheckIn,
// Done, Progress, InaugurationFailed) never return errors: late or
// malformed messages are recovered locally (logged and ignored), never
// surfaced to the caller.
var (
	// ErrAlreadyAssigned is returned by Assign when a stateChangeCallback
	// is already installed.
	ErrAlreadyAssigned = errors.New("host: already assigned to a tenant")

	// ErrInaugurationComplete is returned by Assign when the host is in
	// InaugurationLabelProvided or InaugurationDone: it must go through
	// reclamation before it can be reassigned.
	ErrInaugurationComplete = errors.New("host: cannot assign while inauguration is complete or in progress, reclaim first")

	// ErrNotAssigned is returned by Unassign when no stateChangeCallback
	// is installed.
	ErrNotAssigned = errors.New("host: not currently assigned")

	// ErrDestroyCallbackAlreadySet is returned by SetDestroyCallback if
	// called more than once.
	ErrDestroyCallbackAlreadySet = errors.New("host: destroy callback already set")

	// ErrDestroyed is returned by operations that are meaningless once
	// the host has reached the terminal DESTROYED state.
	ErrDestroyed = errors.New("host: state machine is destroyed")
)
