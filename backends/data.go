// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"github.com/gomlx/gopjrt/dtypes"
)

// Handle identifies a buffer registered with a Backend. It is opaque from the tensor's point of view.
//
// Handles are allocated in registration order, so nodes that register the same buffers in the same order
// agree on their handles.
type Handle int64

// InvalidHandle is returned alongside errors, and it is never a valid registration.
const InvalidHandle Handle = -1

// DataInterface is the Backend's sub-interface that handles the registration of and access to tile buffers.
type DataInterface interface {
	// Register a buffer of numElements values of the given dtype, owned by the node of rank owner, and using
	// tag for cross-node communication. Storage is only allocated on the owner node.
	//
	// Tags must be unique among the registered buffers, and numElements must be positive.
	Register(dtype dtypes.DType, numElements int, owner int, tag int64) (Handle, error)

	// Unregister waits for all the outstanding tasks using the handle, and then frees its storage and any cached
	// copies on this node. The handle must not be used afterward.
	Unregister(handle Handle) error

	// OwnerOf returns the rank of the node that owns the buffer.
	OwnerOf(handle Handle) (int, error)

	// TagOf returns the communication tag of the buffer.
	TagOf(handle Handle) (int64, error)

	// DTypeOf returns the dtype of the buffer.
	DTypeOf(handle Handle) (dtypes.DType, error)

	// Acquire waits for all previously submitted tasks that conflict with mode on the handle, and returns
	// the flat data (a slice of the Go type of the dtype) valid on this node.
	//
	// The data is exclusively held (for Write/ReadWrite) or shared (for Read) until release is called, and
	// tasks submitted in the meantime that conflict with it will wait. The flat data must not be used after release.
	//
	// On the owner node it is the buffer itself; elsewhere it is the cached copy, and it fails if there is none.
	//
	// Other nodes keep their cached copies after the owner writes to the buffer with Write or ReadWrite: once
	// released, FlushCache(handle) must be called on every node before the new contents are transferred again.
	Acquire(handle Handle, mode AccessMode) (flat any, release func(), err error)
}
