// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/gotile/backends"
	"github.com/x448/float16"
)

// FuncForDispatcher is the type of functions that the DTypeDispatcher can handle.
type FuncForDispatcher func(params ...any)

// MaxDTypes is the upper bound of dtype values supported by a DTypeDispatcher.
const MaxDTypes = 32

// DTypeDispatcher holds one instantiation of a generic function per dtype, and calls the one that matches.
type DTypeDispatcher struct {
	Name  string
	fnMap [MaxDTypes]FuncForDispatcher
}

// NewDTypeDispatcher creates a new dispatcher for a class of functions.
func NewDTypeDispatcher(name string) *DTypeDispatcher {
	return &DTypeDispatcher{
		Name: name,
	}
}

// Dispatch calls the function that matches the dtype.
func (d *DTypeDispatcher) Dispatch(dtype dtypes.DType, params ...any) {
	if dtype >= MaxDTypes {
		exceptions.Panicf("dtype %s not supported by %s", dtype, d.Name)
	}
	fn := d.fnMap[dtype]
	if fn == nil {
		exceptions.Panicf("dtype %s not supported by %s", dtype, d.Name)
	}
	fn(params...)
}

// Register a function to handle a specific dtype.
// This overwrites any previous setting for the same dtype.
func (d *DTypeDispatcher) Register(dtype dtypes.DType, fn FuncForDispatcher) {
	if dtype >= MaxDTypes {
		exceptions.Panicf("dtype %s not supported by %s", dtype, d.Name)
	}
	d.fnMap[dtype] = fn
}

// Supports returns whether a function was registered for dtype.
func (d *DTypeDispatcher) Supports(dtype dtypes.DType) bool {
	return dtype < MaxDTypes && d.fnMap[dtype] != nil
}

var (
	dispatchCopy    = NewDTypeDispatcher("Copy")
	dispatchSubcopy = NewDTypeDispatcher("Subcopy")
)

func copyGeneric[T any](params ...any) {
	Copy(params[0].([]T), params[1].([]T))
}

func subcopyGeneric[T any](params ...any) {
	desc := params[0].(backends.SubblockCopy)
	Subcopy(desc.SrcStart, desc.SrcStride, params[1].([]T), desc.DstStart, desc.DstStride, params[2].([]T),
		desc.Shape, params[3].([]int))
}

func registerDType[T any](dtype dtypes.DType) {
	dispatchCopy.Register(dtype, copyGeneric[T])
	dispatchSubcopy.Register(dtype, subcopyGeneric[T])
}

func init() {
	registerDType[float32](dtypes.Float32)
	registerDType[float64](dtypes.Float64)
	registerDType[float16.Float16](dtypes.Float16)
	registerDType[bfloat16.BFloat16](dtypes.BFloat16)
	registerDType[int32](dtypes.Int32)
	registerDType[int64](dtypes.Int64)
}

// IsSupported returns whether the kernels can handle the dtype.
func IsSupported(dtype dtypes.DType) bool {
	return dispatchCopy.Supports(dtype)
}

// DispatchCopy copies the flat slice src into dst, both slices of the Go type of dtype.
func DispatchCopy(dtype dtypes.DType, dst, src any) {
	dispatchCopy.Dispatch(dtype, dst, src)
}

// DispatchSubcopy executes the sub-block copy desc from the flat slice src into dst, both slices of the Go type of
// dtype. scratch must have at least desc.Rank() values.
func DispatchSubcopy(dtype dtypes.DType, desc backends.SubblockCopy, src, dst any, scratch []int) {
	dispatchSubcopy.Dispatch(dtype, desc, src, dst, scratch)
}
