// Copyright 2024 SectorFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package commands

import (
	"errors"
	"syscall"

	"sectorfs/internal/common"
)

// Engine errors mapped to errno values, used as process exit codes.
var errnos = []struct {
	err   error
	errno syscall.Errno
}{
	{common.ErrExists, syscall.EEXIST},
	{common.ErrInvalidSector, syscall.EINVAL},
	{common.ErrInvalidHandle, syscall.EBADF},
	{common.ErrClosed, syscall.EBADF},
	{common.ErrIO, syscall.EIO},
	{common.ErrCorrupt, syscall.EIO},
	{common.ErrNoSpace, syscall.ENOSPC},
	{common.ErrFileTooLarge, syscall.EFBIG},
	{common.ErrWriteDenied, syscall.ETXTBSY},
	{common.ErrLocked, syscall.EBUSY},
	{common.ErrUnsupported, syscall.ENOTSUP},
}

// Errno returns the errno matching err, or EINVAL for errors the engine
// does not define (bad flags, unparsable arguments).
func Errno(err error) syscall.Errno {
	for _, m := range errnos {
		if errors.Is(err, m.err) {
			return m.errno
		}
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EINVAL
}

// ExitCode returns 0 for nil and the errno of err otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return int(Errno(err))
}
