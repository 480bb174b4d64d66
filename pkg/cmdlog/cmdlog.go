// Package cmdlog is the durable per-origin command log of one replica.
//
// Commands from each origin are stored in block files of BlockSize records:
//
//	r<self>-o<origin>-b<block>.log    block = (index-1) / BlockSize
//
// Every record has the same size (wire.CommandRecordSize), so the position
// of index i inside its block is ((i-1) % BlockSize) * size. Replay seeks
// straight to it and reads forward. Old blocks are removed whole once every
// replica is known to hold their commands; a block is never cut partially.
//
// Note: Log is not goroutine-safe. It is owned by one replica event loop.
package cmdlog

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/daviddao/replimail/pkg/model"
	"github.com/daviddao/replimail/pkg/wire"
)

// DefaultBlockSize is the number of records per block file.
const DefaultBlockSize = 1000

// ErrCorrupt is returned when the log cannot be trusted: a record is out of
// place, fails its checksum, or a block in the middle of an origin's run is
// missing. Callers treat it as fatal.
var ErrCorrupt = errors.New("command log corrupt")

// ErrReadOnly is returned by Append on a log opened read-only.
var ErrReadOnly = errors.New("command log is read-only")

// Options configures a Log.
type Options struct {
	// BlockSize is the number of records per block file. Zero means
	// DefaultBlockSize.
	BlockSize int64
	// Sync fsyncs the block file after every append. Commands originated
	// by this replica are always synced: peers apply them as soon as they
	// are broadcast, so losing one in a crash would leave a hole in the
	// replica's own index sequence.
	Sync bool
	// ReadOnly skips torn-tail repair and refuses appends. Used by tools
	// inspecting the log of a running replica.
	ReadOnly bool
	Logger   *slog.Logger
}

// Log is the command log of replica self.
type Log struct {
	dir   string
	self  int
	opts  Options
	log   *slog.Logger
	open  map[int]*os.File
	block map[int]int64
}

// Open opens (creating if needed) the log in dir for replica self. Unless
// read-only, a torn record at the end of an origin's last block (a crash in
// the middle of an append) is cut away.
func Open(dir string, self int, opts Options) (*Log, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if !opts.ReadOnly {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	l := &Log{
		dir:   dir,
		self:  self,
		opts:  opts,
		log:   opts.Logger.With("replica", self),
		open:  make(map[int]*os.File),
		block: make(map[int]int64),
	}
	if !opts.ReadOnly {
		if err := l.repair(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Dir returns the directory holding the block files.
func (l *Log) Dir() string { return l.dir }

// BlockSize returns the number of records per block.
func (l *Log) BlockSize() int64 { return l.opts.BlockSize }

func (l *Log) path(origin int, block int64) string {
	return filepath.Join(l.dir, fmt.Sprintf("r%d-o%d-b%d.log", l.self, origin, block))
}

func (l *Log) locate(index int64) (block, offset int64) {
	block = (index - 1) / l.opts.BlockSize
	offset = ((index - 1) % l.opts.BlockSize) * wire.CommandRecordSize
	return block, offset
}

// Append writes cmd at its slot. The block file must end exactly where the
// record belongs; anything else means a gap or a duplicate and is
// ErrCorrupt.
func (l *Log) Append(cmd model.Command) error {
	if l.opts.ReadOnly {
		return ErrReadOnly
	}
	if cmd.ID.Index < 1 {
		return fmt.Errorf("append %s: %w: index must be positive", cmd.ID, ErrCorrupt)
	}
	rec, err := wire.EncodeCommand(cmd)
	if err != nil {
		return fmt.Errorf("append %s: %w", cmd.ID, err)
	}
	block, offset := l.locate(cmd.ID.Index)
	f, err := l.appendFile(cmd.ID.Origin, block, offset == 0)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("append %s: %w: block %d missing", cmd.ID, ErrCorrupt, block)
	}
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("append %s: %w", cmd.ID, err)
	}
	if st.Size() != offset {
		return fmt.Errorf("append %s: %w: block %d is %d bytes, record belongs at %d",
			cmd.ID, ErrCorrupt, block, st.Size(), offset)
	}
	if _, err := f.Write(rec); err != nil {
		return fmt.Errorf("append %s: %w", cmd.ID, err)
	}
	if l.opts.Sync || cmd.ID.Origin == l.self {
		if err := syncFile(f); err != nil {
			return fmt.Errorf("sync %s: %w", cmd.ID, err)
		}
	}
	return nil
}

// syncFile is replaced in tests.
var syncFile = (*os.File).Sync

// appendFile returns the open append handle for origin's block, rotating
// away from the previous block. Only the first record of a block may create
// its file.
func (l *Log) appendFile(origin int, block int64, create bool) (*os.File, error) {
	if f, ok := l.open[origin]; ok {
		if l.block[origin] == block {
			return f, nil
		}
		f.Close()
		delete(l.open, origin)
	}
	flag := os.O_WRONLY | os.O_APPEND
	if create {
		flag |= os.O_CREATE
	}
	f, err := os.OpenFile(l.path(origin, block), flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open block %d of origin %d: %w", block, origin, err)
	}
	l.open[origin] = f
	l.block[origin] = block
	return f, nil
}

// Replay calls fn for every command of origin from index from onward, in
// index order, stopping at the end of the log. It returns the number of
// commands delivered. An error from fn stops the replay and is returned
// as is.
func (l *Log) Replay(origin int, from int64, fn func(model.Command) error) (int64, error) {
	if from < 1 {
		from = 1
	}
	blocks, err := l.Blocks(origin)
	if err != nil {
		return 0, err
	}
	next := from
	var count int64
	for {
		block, offset := l.locate(next)
		if !slices.Contains(blocks, block) {
			if len(blocks) > 0 && blocks[len(blocks)-1] > block {
				return count, fmt.Errorf("replay origin %d: %w: block %d missing", origin, ErrCorrupt, block)
			}
			return count, nil
		}
		last := block == blocks[len(blocks)-1]
		n, full, err := l.replayBlock(origin, block, offset, next, last, fn)
		count += n
		next += n
		if err != nil {
			return count, err
		}
		if !full {
			if !last {
				return count, fmt.Errorf("replay origin %d: %w: block %d ends early", origin, ErrCorrupt, block)
			}
			return count, nil
		}
	}
}

// replayBlock streams one block starting at offset. full reports whether
// the block held records through its final slot.
func (l *Log) replayBlock(origin int, block, offset, next int64, last bool, fn func(model.Command) error) (n int64, full bool, err error) {
	f, err := os.Open(l.path(origin, block))
	if err != nil {
		return 0, false, fmt.Errorf("open block %d of origin %d: %w", block, origin, err)
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, false, fmt.Errorf("seek block %d of origin %d: %w", block, origin, err)
	}

	buf := make([]byte, wire.CommandRecordSize)
	end := (block + 1) * l.opts.BlockSize
	for idx := next; idx <= end; idx++ {
		if _, err := io.ReadFull(f, buf); err != nil {
			if errors.Is(err, io.EOF) {
				return n, false, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				if last {
					return n, false, nil
				}
				return n, false, fmt.Errorf("replay origin %d: %w: torn record %d in block %d", origin, ErrCorrupt, idx, block)
			}
			return n, false, fmt.Errorf("read block %d of origin %d: %w", block, origin, err)
		}
		cmd, err := wire.DecodeCommand(buf)
		if err != nil {
			return n, false, fmt.Errorf("replay origin %d index %d: %w: %v", origin, idx, ErrCorrupt, err)
		}
		if cmd.ID.Origin != origin || cmd.ID.Index != idx {
			return n, false, fmt.Errorf("replay origin %d: %w: found %s at slot %d", origin, ErrCorrupt, cmd.ID, idx)
		}
		if err := fn(cmd); err != nil {
			return n, false, err
		}
		n++
	}
	return n, true, nil
}

// TruncateBefore removes every block of origin that lies wholly below the
// block containing index. It returns the number of block files removed.
func (l *Log) TruncateBefore(origin int, index int64) (int, error) {
	if l.opts.ReadOnly {
		return 0, ErrReadOnly
	}
	if index <= 1 {
		return 0, nil
	}
	keep, _ := l.locate(index)
	blocks, err := l.Blocks(origin)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, b := range blocks {
		if b >= keep {
			break
		}
		if f, ok := l.open[origin]; ok && l.block[origin] == b {
			f.Close()
			delete(l.open, origin)
		}
		if err := os.Remove(l.path(origin, b)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("remove block %d of origin %d: %w", b, origin, err)
		}
		removed++
	}
	if removed > 0 {
		l.log.Debug("truncated command log", "origin", origin, "below_block", keep, "removed", removed)
	}
	return removed, nil
}

// Blocks returns the block numbers present for origin, ascending.
func (l *Log) Blocks(origin int) ([]int64, error) {
	all, err := l.scan()
	if err != nil {
		return nil, err
	}
	return all[origin], nil
}

// scan lists the block files of this replica by origin.
func (l *Log) scan() (map[int][]int64, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[int][]int64{}, nil
		}
		return nil, fmt.Errorf("list log dir: %w", err)
	}
	out := make(map[int][]int64)
	for _, e := range entries {
		self, origin, block, ok := parseName(e.Name())
		if !ok || self != l.self {
			continue
		}
		out[origin] = append(out[origin], block)
	}
	for o := range out {
		slices.Sort(out[o])
	}
	return out, nil
}

func parseName(name string) (self, origin int, block int64, ok bool) {
	base, found := strings.CutSuffix(name, ".log")
	if !found {
		return 0, 0, 0, false
	}
	if _, err := fmt.Sscanf(base, "r%d-o%d-b%d", &self, &origin, &block); err != nil {
		return 0, 0, 0, false
	}
	return self, origin, block, true
}

// repair cuts a torn trailing record from the last block of every origin.
func (l *Log) repair() error {
	all, err := l.scan()
	if err != nil {
		return err
	}
	for origin, blocks := range all {
		last := blocks[len(blocks)-1]
		p := l.path(origin, last)
		st, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("stat block %d of origin %d: %w", last, origin, err)
		}
		whole := st.Size() - st.Size()%wire.CommandRecordSize
		if whole == st.Size() {
			continue
		}
		if err := os.Truncate(p, whole); err != nil {
			return fmt.Errorf("repair block %d of origin %d: %w", last, origin, err)
		}
		l.log.Warn("repaired torn record at end of command log",
			"origin", origin, "block", last, "dropped_bytes", st.Size()-whole)
	}
	return nil
}

// OriginStats summarises what the log holds for one origin.
type OriginStats struct {
	Origin int   `json:"origin"`
	Blocks int   `json:"blocks"`
	First  int64 `json:"first"`
	Last   int64 `json:"last"`
	Bytes  int64 `json:"bytes"`
}

// Stats reports, per origin with at least one block, the retained index
// range and its size on disk. First and Last assume complete blocks; use
// Replay to verify.
func (l *Log) Stats() ([]OriginStats, error) {
	all, err := l.scan()
	if err != nil {
		return nil, err
	}
	var out []OriginStats
	for origin, blocks := range all {
		s := OriginStats{Origin: origin, Blocks: len(blocks)}
		for i, b := range blocks {
			st, err := os.Stat(l.path(origin, b))
			if err != nil {
				return nil, fmt.Errorf("stat block %d of origin %d: %w", b, origin, err)
			}
			s.Bytes += st.Size()
			if i == 0 {
				s.First = b*l.opts.BlockSize + 1
			}
			if i == len(blocks)-1 {
				s.Last = b*l.opts.BlockSize + st.Size()/wire.CommandRecordSize
			}
		}
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b OriginStats) int { return a.Origin - b.Origin })
	return out, nil
}

// Close releases every open block file.
func (l *Log) Close() error {
	var errs []error
	for origin, f := range l.open {
		errs = append(errs, f.Close())
		delete(l.open, origin)
	}
	return errors.Join(errs...)
}
