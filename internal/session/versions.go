// This file implements plugin-version negotiation for proto >= 1 sessions
// (§4.9), parsing the 'V' payload and reconciling the client's advertised
// plugin set against the allow-list, translating
// ClientWorkerConn.__handle_versions/__check_versions.
package session

import (
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/CZ-NIC/ucollect/internal/wire"
)

// advertisedPlugin is one record from a 'V' frame.
type advertisedPlugin struct {
	name    string
	version uint16
	md5     [16]byte
	lib     string
	active  bool
}

// parseVersions decodes the concatenated per-plugin records:
// u32Len||name||u16 version||16 bytes md5||u32Len||libname||1 byte activity.
func parseVersions(payload []byte) ([]advertisedPlugin, error) {
	var out []advertisedPlugin
	rest := payload
	for len(rest) > 0 {
		var name string
		var err error
		name, rest, err = wire.TakeString(rest)
		if err != nil {
			return nil, fmt.Errorf("session: decoding plugin name: %w", err)
		}
		if len(rest) < 2+16 {
			return nil, fmt.Errorf("session: truncated version record for %q", name)
		}
		version := binary.BigEndian.Uint16(rest[:2])
		var md5 [16]byte
		copy(md5[:], rest[2:18])
		rest = rest[18:]

		var lib string
		lib, rest, err = wire.TakeString(rest)
		if err != nil {
			return nil, fmt.Errorf("session: decoding library name: %w", err)
		}
		if len(rest) < 1 {
			return nil, fmt.Errorf("session: missing activity byte for %q", name)
		}
		active := rest[0] == 'A'
		rest = rest[1:]

		out = append(out, advertisedPlugin{name: name, version: version, md5: md5, lib: lib, active: active})
	}
	return out, nil
}

// handleVersions implements the seven-step reconciliation of §4.9.
func (s *WorkerSession) handleVersions(payload []byte) {
	advertised, err := parseVersions(payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed plugin-version list")
		return
	}

	type changeRecord struct {
		name   string
		md5    [16]byte
		status bool
	}
	var changes []changeRecord

	advertisedNames := make(map[string]struct{}, len(advertised))
	for _, adv := range advertised {
		advertisedNames[adv.name] = struct{}{}
	}

	s.mu.Lock()
	for _, adv := range advertised {
		required := s.allowList == nil || s.allowList.IsAllowed(adv.name, adv.version, hex.EncodeToString(adv.md5[:]))
		if required != adv.active {
			changes = append(changes, changeRecord{name: adv.name, md5: adv.md5, status: required})
		}

		prior, hadEntry := s.active[adv.name]
		p, hasPlugin := s.registry.Get(adv.name)

		switch {
		case !required && hadEntry:
			delete(s.active, adv.name)
			delete(s.effective, adv.name)
			if hasPlugin {
				s.mu.Unlock()
				p.ClientDisconnected(s)
				s.mu.Lock()
			}
		case required && hadEntry && prior.version != adv.version:
			s.active[adv.name] = activePluginInfo{version: adv.version, md5: adv.md5}
			s.effective[adv.name] = adv.version
			if hasPlugin {
				s.mu.Unlock()
				p.ClientDisconnected(s)
				p.ClientConnected(s)
				s.mu.Lock()
			}
		case required && !hadEntry:
			s.active[adv.name] = activePluginInfo{version: adv.version, md5: adv.md5}
			s.effective[adv.name] = adv.version
			if hasPlugin {
				s.mu.Unlock()
				p.ClientConnected(s)
				s.mu.Lock()
			}
		case required && hadEntry:
			// version unchanged, nothing to re-activate.
		}
	}

	// A plugin the client previously had active but no longer mentions at
	// all in this frame (e.g. it unloaded the plugin) never shows up in the
	// advertised loop above, so it has to be diffed out of s.active
	// separately: client_worker.py computes prev_active - now_active over
	// the full previous key set, not just over plugins still named.
	for name, info := range s.active {
		if _, stillMentioned := advertisedNames[name]; stillMentioned {
			continue
		}
		delete(s.active, name)
		delete(s.effective, name)
		if p, hasPlugin := s.registry.Get(name); hasPlugin {
			s.mu.Unlock()
			p.ClientDisconnected(s)
			s.mu.Lock()
		}
	}
	s.mu.Unlock()

	if len(changes) > 0 {
		body := make([]byte, 0, 64)
		var countBuf [4]byte
		binary.BigEndian.PutUint32(countBuf[:], uint32(len(changes)))
		body = append(body, countBuf[:]...)
		for _, c := range changes {
			body = append(body, wire.PutString(c.name)...)
			body = append(body, c.md5[:]...)
			if c.status {
				body = append(body, 'A')
			} else {
				body = append(body, 'I')
			}
		}
		if err := s.Send(wire.OpActivation, body); err != nil {
			s.log.Warn().Err(err).Msg("failed to send activation change")
		}
	}

	s.persistActivePlugins(advertised)
}

// persistActivePlugins asynchronously overwrites the active_plugins table
// for this client and appends a plugin_history row per advertised plugin,
// step 7 of §4.9.
func (s *WorkerSession) persistActivePlugins(advertised []advertisedPlugin) {
	cid := s.cid
	s.audit.PushTxn(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM active_plugins WHERE client = $1`, cid); err != nil {
			return err
		}
		for _, adv := range advertised {
			if _, err := tx.Exec(
				`INSERT INTO active_plugins (client, plugin, version, hash) VALUES ($1, $2, $3, $4)`,
				cid, adv.name, adv.version, adv.md5[:]); err != nil {
				return err
			}
			if _, err := tx.Exec(
				`INSERT INTO plugin_history (client, plugin, version, hash) VALUES ($1, $2, $3, $4)`,
				cid, adv.name, adv.version, adv.md5[:]); err != nil {
				return err
			}
		}
		return nil
	})
}
