// Copyright (c) 2024, Arm Limited. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

// Package efi defines the UEFI wire vocabulary shared by every layer of
// the variable store: status codes, attribute bits and the GUID type.
// Nothing in this package depends on how a variable is stored.
package efi

import "github.com/hashicorp/go-multierror"

// Status is a UEFI return status, as returned by every Runtime Services
// variable operation. The numeric values match the EFI_STATUS encoding
// used by the reference implementation's packed-c ABI.
type Status uint32

const (
	Success Status = 0

	// high bit set marks an error code in the real EFI_STATUS encoding;
	// here we only need stable, distinct values for the subset this
	// partition returns.
	errorBit = 1 << 31

	InvalidParameter  Status = errorBit | 2
	Unsupported       Status = errorBit | 3
	BufferTooSmall    Status = errorBit | 5
	NotFound          Status = errorBit | 14
	OutOfResources    Status = errorBit | 9
	WriteProtected    Status = errorBit | 8
	SecurityViolation Status = errorBit | 26
	CompromisedData   Status = errorBit | 33
	LoadError         Status = errorBit | 1
	DeviceError       Status = errorBit | 7
)

func (s Status) String() string {
	switch s {
	case Success:
		return "EFI_SUCCESS"
	case InvalidParameter:
		return "EFI_INVALID_PARAMETER"
	case Unsupported:
		return "EFI_UNSUPPORTED"
	case BufferTooSmall:
		return "EFI_BUFFER_TOO_SMALL"
	case NotFound:
		return "EFI_NOT_FOUND"
	case OutOfResources:
		return "EFI_OUT_OF_RESOURCES"
	case WriteProtected:
		return "EFI_WRITE_PROTECTED"
	case SecurityViolation:
		return "EFI_SECURITY_VIOLATION"
	case CompromisedData:
		return "EFI_COMPROMISED_DATA"
	case LoadError:
		return "EFI_LOAD_ERROR"
	case DeviceError:
		return "EFI_DEVICE_ERROR"
	default:
		return "EFI_STATUS(unknown)"
	}
}

// Error adapts a Status to the error interface so core operations can be
// composed with ordinary Go error handling before being surfaced across
// the request-handler boundary.
type Error struct {
	Status Status
}

func (e *Error) Error() string { return e.Status.String() }

// AsStatus unwraps err down to a Status, defaulting to EFI_DEVICE_ERROR
// for errors that were never classified — this should only happen for
// genuine backend failures, never for validation logic, which always
// wraps a concrete Status. A *multierror.Error produced by aggregating
// several constraint checks resolves to its first failure, per the
// first-failure-wins collapsing rule.
func AsStatus(err error) Status {
	if err == nil {
		return Success
	}
	if se, ok := err.(*Error); ok {
		return se.Status
	}
	if me, ok := err.(*multierror.Error); ok && len(me.Errors) > 0 {
		return AsStatus(me.Errors[0])
	}
	return DeviceError
}

// Wrap turns a Status into an error, or nil for Success.
func Wrap(s Status) error {
	if s == Success {
		return nil
	}
	return &Error{Status: s}
}
