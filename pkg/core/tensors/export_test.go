// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import "github.com/gomlx/gotile/pkg/core/tiles"

// CopyIntersectionGeneral exposes the general path of CopyIntersectionAsync, without the special cases.
func CopyIntersectionGeneral[T tiles.Element](src *Tensor[T], srcOffset []int, dst *Tensor[T], dstOffset []int) error {
	return copyIntersectionGeneral(src, srcOffset, dst, dstOffset)
}
