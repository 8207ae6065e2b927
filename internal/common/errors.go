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

package common

import "errors"

var (
	ErrExists        = errors.New("already exists")
	ErrInvalidSector = errors.New("invalid sector")
	ErrInvalidHandle = errors.New("invalid handle")
	ErrIO            = errors.New("I/O error")
	ErrNoSpace       = errors.New("no space left on device")
	ErrCorrupt       = errors.New("corrupt metadata")
	ErrFileTooLarge  = errors.New("file too large")
	ErrWriteDenied   = errors.New("writes denied")
	ErrLocked        = errors.New("device locked by another process")
	ErrClosed        = errors.New("already closed")
	ErrUnsupported   = errors.New("operation not supported")
)
