// Package addrset implements the differential IP-address-set distribution
// engine of §4.6, translating diff_addr_store.py: a 60-second config/version
// poll, a cached full-or-incremental diff builder, and the address encoding
// that tries IPv4, IPv6, host:port-v4 and host:port-v6 in turn with the
// "add" flag folded into the low bit of the leading length byte.
package addrset

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const checkSchedule = "@every 60s"

// ConfigBroadcaster and VersionBroadcaster are the subclass hooks
// diff_addr_store.py calls _broadcast_config/_broadcast_version; plugins
// embedding a Store implement them to push updated tickets to clients.
type ConfigBroadcaster interface {
	BroadcastConfig(conf map[string]string)
}

// VersionBroadcaster is notified when one set's (epoch, version) changes.
type VersionBroadcaster interface {
	BroadcastVersion(name string, epoch, version uint32)
}

type setState struct {
	epoch, version uint32
}

type cacheKey struct {
	name                     string
	full                     bool
	epoch, from, to          uint32
}

// Store tracks one address-set table for one plugin.
type Store struct {
	db     *sql.DB
	rdb    *redis.Client // optional cross-worker mirror; nil disables it
	log    zerolog.Logger
	plugin string
	table  string
	column string

	versionQuery string
	diffQuery    string

	onConfig  ConfigBroadcaster
	onVersion VersionBroadcaster

	mu        sync.Mutex
	conf      map[string]string
	addresses map[string]setState
	cache     map[cacheKey][]byte

	cron *cron.Cron
}

// New constructs a Store for the given plugin/table/column, matching
// DiffAddrStore.__init__'s query templating.
func New(db *sql.DB, rdb *redis.Client, log zerolog.Logger, plugin, table, column string) *Store {
	versionQuery := fmt.Sprintf(`
		SELECT addresses.name, addresses.epoch, MAX(raw_addresses.version)
		FROM %[1]s AS raw_addresses
		JOIN (SELECT %[2]s AS name, MAX(epoch) AS epoch FROM %[1]s GROUP BY %[2]s) AS addresses
		ON raw_addresses.%[2]s = addresses.name AND raw_addresses.epoch = addresses.epoch
		GROUP BY addresses.name, addresses.epoch`, table, column)

	diffQuery := fmt.Sprintf(`
		SELECT t.address, t.add
		FROM (
			SELECT address, MAX(version) AS version
			FROM %[1]s
			WHERE %[2]s = $1 AND epoch = $2 AND version > $3 AND version <= $4
			GROUP BY address
		) AS lasts
		JOIN %[1]s AS t ON t.address = lasts.address AND t.version = lasts.version
		WHERE t.%[2]s = $1 AND t.epoch = $2
		ORDER BY t.address`, table, column)

	return &Store{
		db:           db,
		rdb:          rdb,
		log:          log.With().Str("component", "addrset").Str("plugin", plugin).Logger(),
		plugin:       plugin,
		table:        table,
		column:       column,
		versionQuery: versionQuery,
		diffQuery:    diffQuery,
		conf:         map[string]string{},
		addresses:    map[string]setState{},
		cache:        map[cacheKey][]byte{},
	}
}

// SetBroadcasters wires the config/version change hooks.
func (s *Store) SetBroadcasters(c ConfigBroadcaster, v VersionBroadcaster) {
	s.onConfig, s.onVersion = c, v
}

// Start runs an immediate check then schedules one every checkSchedule, the
// Go equivalent of LoopingCall(self.__check_conf).start(60, True).
func (s *Store) Start(ctx context.Context) {
	s.check(ctx)
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(checkSchedule, func() { s.check(ctx) }); err != nil {
		s.log.Error().Err(err).Msg("failed to schedule config/version poll")
		return
	}
	s.cron.Start()
}

// Stop terminates the polling schedule.
func (s *Store) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

func (s *Store) check(ctx context.Context) {
	s.log.Trace().Msg("checking config and versions")

	confRows, err := s.db.QueryContext(ctx, `SELECT name, value FROM config WHERE plugin = $1`, s.plugin)
	if err != nil {
		s.log.Error().Err(err).Msg("config query failed")
		return
	}
	newConf := map[string]string{}
	for confRows.Next() {
		var k, v string
		if err := confRows.Scan(&k, &v); err != nil {
			confRows.Close()
			s.log.Error().Err(err).Msg("config row scan failed")
			return
		}
		newConf[k] = v
	}
	confRows.Close()

	verRows, err := s.db.QueryContext(ctx, s.versionQuery)
	if err != nil {
		s.log.Error().Err(err).Msg("version query failed")
		return
	}
	newAddrs := map[string]setState{}
	for verRows.Next() {
		var name string
		var epoch, version uint32
		if err := verRows.Scan(&name, &epoch, &version); err != nil {
			verRows.Close()
			s.log.Error().Err(err).Msg("version row scan failed")
			return
		}
		newAddrs[name] = setState{epoch: epoch, version: version}
	}
	verRows.Close()

	s.mu.Lock()
	oldConf, oldAddrs := s.conf, s.addresses
	confChanged := !equalStrMap(oldConf, newConf)
	s.conf = newConf
	s.addresses = newAddrs
	if confChanged {
		s.cache = map[cacheKey][]byte{}
	}
	s.mu.Unlock()

	if confChanged {
		s.log.Info().Msg("config changed, broadcasting")
		if s.onConfig != nil {
			s.onConfig.BroadcastConfig(newConf)
		}
	}

	if !equalSetStateMap(oldAddrs, newAddrs) {
		s.mu.Lock()
		s.cache = map[cacheKey][]byte{}
		s.mu.Unlock()
		for name, st := range newAddrs {
			if oldAddrs[name] != st {
				s.log.Debug().Str("set", name).Msg("broadcasting new version")
				if s.onVersion != nil {
					s.onVersion.BroadcastVersion(name, st.epoch, st.version)
				}
			}
		}
	}
}

// ProvideDiff returns the encoded diff response for (name, epoch,
// fromVersion, toVersion), using the cache if present. prefix is prepended
// to the frame body before the name/epoch/version header, matching
// diff_addr_store.py's optional prefix parameter.
func (s *Store) ProvideDiff(ctx context.Context, full bool, name string, epoch, fromVersion, toVersion uint32, prefix []byte) ([]byte, error) {
	key := cacheKey{name: name, full: full, epoch: epoch, from: fromVersion, to: toVersion}

	s.mu.Lock()
	if cached, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	if s.rdb != nil {
		if cached, err := s.rdb.Get(ctx, s.redisKey(key)).Bytes(); err == nil {
			s.mu.Lock()
			s.cache[key] = cached
			s.mu.Unlock()
			return cached, nil
		}
	}

	rows, err := s.db.QueryContext(ctx, s.diffQuery, name, epoch, fromVersion, toVersion)
	if err != nil {
		return nil, fmt.Errorf("addrset: diff query: %w", err)
	}
	defer rows.Close()

	type addrRow struct {
		addr string
		add  bool
	}
	var results []addrRow
	for rows.Next() {
		var r addrRow
		if err := rows.Scan(&r.addr, &r.add); err != nil {
			return nil, fmt.Errorf("addrset: scanning diff row: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := buildDiffFrame(prefix, name, full, epoch, fromVersion, toVersion)
	for _, r := range results {
		if !r.add && full {
			continue // deleted addresses are omitted on a full update
		}
		enc, err := encodeAddress(r.addr)
		if err != nil {
			s.log.Trace().Str("addr", r.addr).Err(err).Msg("address encoding failed")
			continue
		}
		out = append(out, encodeLengthAndAdd(len(enc), r.add))
		out = append(out, enc...)
	}

	s.mu.Lock()
	s.cache[key] = out
	s.mu.Unlock()

	if s.rdb != nil {
		_ = s.rdb.Set(ctx, s.redisKey(key), out, 10*time.Minute).Err()
	}

	return out, nil
}

func (s *Store) redisKey(k cacheKey) string {
	return fmt.Sprintf("ucollect:addrset:%s:%s:%t:%d:%d:%d", s.plugin, k.name, k.full, k.epoch, k.from, k.to)
}

// buildDiffFrame writes the 'D' response header: prefix, then
// u32Len(name)||name, full flag, epoch, [fromVersion], toVersion.
func buildDiffFrame(prefix []byte, name string, full bool, epoch, fromVersion, toVersion uint32) []byte {
	out := make([]byte, 0, len(prefix)+4+len(name)+1+4+4+4)
	out = append(out, 'D')
	out = append(out, prefix...)

	nameLen := make([]byte, 4)
	binary.BigEndian.PutUint32(nameLen, uint32(len(name)))
	out = append(out, nameLen...)
	out = append(out, name...)

	if full {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}

	var epochBuf, toBuf [4]byte
	binary.BigEndian.PutUint32(epochBuf[:], epoch)
	binary.BigEndian.PutUint32(toBuf[:], toVersion)
	out = append(out, epochBuf[:]...)
	if !full {
		var fromBuf [4]byte
		binary.BigEndian.PutUint32(fromBuf[:], fromVersion)
		out = append(out, fromBuf[:]...)
	}
	out = append(out, toBuf[:]...)
	return out
}

// encodeLengthAndAdd packs the per-address leading byte: the encoded
// address length with its low bit flipped when add is true.
func encodeLengthAndAdd(length int, add bool) byte {
	b := byte(length)
	if add {
		b |= 1
	} else {
		b &^= 1
	}
	return b
}

// encodeAddress tries, in order, an IPv4 literal (4 bytes), an IPv6 literal
// (16 bytes), a host:port IPv4 pair (4+2 bytes) and a host:port IPv6 pair
// (16+2 bytes) — mirroring addr_convert's variant/family fallback order.
func encodeAddress(address string) ([]byte, error) {
	if ip := net.ParseIP(address); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
		return ip.To16(), nil
	}

	host, portStr, err := net.SplitHostPort(address)
	if err == nil {
		if port, perr := strconv.Atoi(portStr); perr == nil && port >= 0 && port <= 65535 {
			var portBuf [2]byte
			binary.BigEndian.PutUint16(portBuf[:], uint16(port))

			if ip4 := net.ParseIP(host).To4(); ip4 != nil {
				return append(append([]byte{}, ip4...), portBuf[:]...), nil
			}
			if ip6 := net.ParseIP(host); ip6 != nil {
				return append(append([]byte{}, ip6.To16()...), portBuf[:]...), nil
			}
		}
	}

	return nil, fmt.Errorf("addrset: cannot encode address %q", address)
}

func equalStrMap(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func equalSetStateMap(a, b map[string]setState) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
