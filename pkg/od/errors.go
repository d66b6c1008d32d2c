package od

import "errors"

// Sentinel errors returned by ObjectDictionary operations. SDO server and
// PDO mapping translate these into the EMCY codes and ODR-style abort
// reasons spec'd at the call site; the dictionary itself stays agnostic of
// the bus protocol.
var (
	ErrIndexNotFound    = errors.New("od: index/subindex not found")
	ErrDuplicateEntry   = errors.New("od: index/subindex already registered")
	ErrCapacity         = errors.New("od: dictionary at capacity")
	ErrInvalidSize      = errors.New("od: size must be 1, 2 or 4 bytes")
	ErrStorageSizeMismatch = errors.New("od: storage slice length does not match declared size")
	ErrReadOnly         = errors.New("od: entry is read-only")
	ErrWriteOnly        = errors.New("od: entry is write-only")
)
