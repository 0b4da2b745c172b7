package database

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/jedisct1/dlog"
)

const (
	metaKeyVersion     = "version"
	metaKeyStartTime   = "start_time"
	metaKeyEndTime     = "end_time"
	metaKeyServerCount = "servers"
)

// Meta gives access to the meta table: binary format version, resolver
// name list and run timestamps. The version and the resolver list are
// written once at environment creation and verified on every later open;
// a mismatch means the stored answers cannot be interpreted and is fatal.
type Meta struct {
	env     *Env
	servers []string
}

// OpenMeta opens the meta table. With create set, the version and the
// resolver list are recorded; otherwise both are checked against what the
// environment was created with.
func OpenMeta(env *Env, servers []string, create bool) (*Meta, error) {
	err := env.OpenTable(TableMeta, TableOptions{Create: create})
	if err != nil {
		return nil, err
	}
	meta := &Meta{env: env, servers: servers}
	if create {
		// an environment created by an older tool version must not be
		// silently rewritten
		if _, err := env.Get(TableMeta, []byte(metaKeyVersion)); err == nil {
			if err := meta.checkVersion(); err != nil {
				return nil, err
			}
		}
		if err := meta.writeVersion(); err != nil {
			return nil, err
		}
		if err := meta.writeServers(); err != nil {
			return nil, err
		}
		return meta, nil
	}
	if err := meta.checkVersion(); err != nil {
		return nil, err
	}
	if len(servers) > 0 {
		if err := meta.checkServers(); err != nil {
			return nil, err
		}
	}
	return meta, nil
}

func (meta *Meta) writeVersion() error {
	return meta.env.Put(TableMeta, []byte(metaKeyVersion), []byte(BinFormatVersion))
}

func (meta *Meta) checkVersion() error {
	stored, err := meta.env.Get(TableMeta, []byte(metaKeyVersion))
	if err != nil {
		return fmt.Errorf("%w: no version recorded", ErrVersionMismatch)
	}
	if string(stored) != BinFormatVersion {
		return fmt.Errorf("%w: environment has [%s], this build expects [%s]",
			ErrVersionMismatch, stored, BinFormatVersion)
	}
	return nil
}

func (meta *Meta) writeServers() error {
	count := make([]byte, 4)
	binary.LittleEndian.PutUint32(count, uint32(len(meta.servers)))
	if err := meta.env.Put(TableMeta, []byte(metaKeyServerCount), count); err != nil {
		return err
	}
	for i, name := range meta.servers {
		key := fmt.Sprintf("name%d", i)
		if err := meta.env.Put(TableMeta, []byte(key), []byte(name)); err != nil {
			return err
		}
	}
	return nil
}

// ReadServers returns the resolver names the environment was created with,
// in their declared order.
func (meta *Meta) ReadServers() ([]string, error) {
	countBytes, err := meta.env.Get(TableMeta, []byte(metaKeyServerCount))
	if err != nil {
		return nil, fmt.Errorf("%w: no resolver list recorded", ErrServersMismatch)
	}
	if len(countBytes) != 4 {
		return nil, fmt.Errorf("%w: malformed resolver count", ErrServersMismatch)
	}
	count := binary.LittleEndian.Uint32(countBytes)
	servers := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		name, err := meta.env.Get(TableMeta, []byte(fmt.Sprintf("name%d", i)))
		if err != nil {
			return nil, fmt.Errorf("%w: resolver name %d missing", ErrServersMismatch, i)
		}
		servers = append(servers, string(name))
	}
	return servers, nil
}

func (meta *Meta) checkServers() error {
	stored, err := meta.ReadServers()
	if err != nil {
		return err
	}
	if len(stored) != len(meta.servers) {
		return fmt.Errorf("%w: environment has %v, configuration has %v",
			ErrServersMismatch, stored, meta.servers)
	}
	for i, name := range stored {
		if name != meta.servers[i] {
			return fmt.Errorf("%w: environment has %v, configuration has %v",
				ErrServersMismatch, stored, meta.servers)
		}
	}
	return nil
}

func (meta *Meta) WriteStartTime(t time.Time) error {
	return meta.writeTimestamp(metaKeyStartTime, t)
}

func (meta *Meta) WriteEndTime(t time.Time) error {
	return meta.writeTimestamp(metaKeyEndTime, t)
}

func (meta *Meta) writeTimestamp(key string, t time.Time) error {
	value := make([]byte, 4)
	binary.LittleEndian.PutUint32(value, uint32(t.Unix()))
	return meta.env.Put(TableMeta, []byte(key), value)
}

func (meta *Meta) ReadStartTime() (time.Time, bool) {
	return meta.readTimestamp(metaKeyStartTime)
}

func (meta *Meta) ReadEndTime() (time.Time, bool) {
	return meta.readTimestamp(metaKeyEndTime)
}

func (meta *Meta) readTimestamp(key string) (time.Time, bool) {
	value, err := meta.env.Get(TableMeta, []byte(key))
	if err != nil || len(value) != 4 {
		dlog.Debugf("Meta timestamp [%s] not available", key)
		return time.Time{}, false
	}
	return time.Unix(int64(binary.LittleEndian.Uint32(value)), 0), true
}
