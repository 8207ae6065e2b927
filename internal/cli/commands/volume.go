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
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	log "github.com/sirupsen/logrus"

	"sectorfs/internal/common"
	"sectorfs/internal/device"
	"sectorfs/internal/storage"
	"sectorfs/internal/util"
)

// session is a mounted volume on an image file.
type session struct {
	image  string
	dev    *device.FileDevice
	vol    *storage.Volume
	closed bool
}

// openVolume locks and mounts image with the loaded settings. An image
// held by another process is waited for briefly.
func openVolume(ctx context.Context, image string) (*session, error) {
	dev, err := util.RetryWithResult(ctx, func() (*device.FileDevice, error) {
		return device.OpenFile(image)
	}, util.LockRetryOptions(ctx)...)
	if err != nil {
		if errors.Is(err, common.ErrLocked) {
			return nil, fmt.Errorf("%s is in use by another process: %w", image, common.ErrLocked)
		}
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	vol, err := storage.Mount(dev, settings)
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("failed to mount %s: %w", image, err)
	}
	return &session{image: image, dev: dev, vol: vol}, nil
}

// Close unmounts the volume, flushing it, and releases the image.
// Calls after the first return nil.
func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.vol.Close()
	if log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("[CLI] %s: %s", common.ImageName(s.image), s.vol.Stats())
	}
	return errors.Join(err, s.dev.Close())
}

// closeInto closes c, keeping its error in *err unless *err is already set.
func closeInto(err *error, c io.Closer) {
	if cerr := c.Close(); *err == nil {
		*err = cerr
	}
}

// parseSector parses an inode number given on the command line.
func parseSector(arg string) (device.Sector, error) {
	n, err := strconv.ParseUint(arg, 10, 32)
	if err != nil || device.Sector(n) == device.NoSector {
		return device.NoSector, fmt.Errorf("invalid inode number %q", arg)
	}
	return device.Sector(n), nil
}
