package audit

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// maxRecordLen bounds a single record frame.
const maxRecordLen = 1 << 20

// Log is the append-only audit log. Safe for concurrent use; appends
// are serialized so seq and the hash chain stay monotonic.
type Log struct {
	mu       sync.Mutex
	dir      string
	epoch    uint64
	f        *os.File
	nextSeq  uint64
	lastHash string
	now      func() time.Time
}

// BrokenAtError reports the first sequence number at which chain
// verification failed.
type BrokenAtError struct {
	Epoch uint64
	Seq   uint64
}

func (e *BrokenAtError) Error() string {
	return fmt.Sprintf("audit chain broken at epoch %d seq %d", e.Epoch, e.Seq)
}

// EpochFileName is the on-disk name of one epoch's log file.
func EpochFileName(epoch uint64) string {
	return fmt.Sprintf("epoch-%06d.log", epoch)
}

func epochPath(dir string, epoch uint64) string {
	return filepath.Join(dir, EpochFileName(epoch))
}

// Open opens (or creates) the audit log in dir, resuming the latest
// epoch. The tail of the current epoch is replayed to recover the
// chain position.
func Open(dir string, now func() time.Time) (*Log, error) {
	if now == nil {
		now = time.Now
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	epochs, err := listEpochs(dir)
	if err != nil {
		return nil, err
	}
	l := &Log{dir: dir, now: now}
	if len(epochs) == 0 {
		if err := l.startEpoch(1, ""); err != nil {
			return nil, err
		}
		return l, nil
	}
	latest := epochs[len(epochs)-1]
	hdr, entries, valid, err := readEpochN(epochPath(dir, latest))
	if err != nil {
		return nil, err
	}
	l.epoch = latest
	l.lastHash = hdr.Genesis
	l.nextSeq = 1
	if n := len(entries); n > 0 {
		l.lastHash = entries[n-1].Hash
		l.nextSeq = entries[n-1].Seq + 1
	}
	// A torn frame from a crashed append is cut off before resuming so
	// new records land on a clean frame boundary.
	if err := os.Truncate(epochPath(dir, latest), int64(valid)); err != nil {
		return nil, fmt.Errorf("truncate torn audit tail: %w", err)
	}
	f, err := os.OpenFile(epochPath(dir, latest), os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit epoch: %w", err)
	}
	l.f = f
	return l, nil
}

func listEpochs(dir string) ([]uint64, error) {
	glob, err := filepath.Glob(filepath.Join(dir, "epoch-*.log"))
	if err != nil {
		return nil, err
	}
	var epochs []uint64
	for _, p := range glob {
		var n uint64
		if _, err := fmt.Sscanf(filepath.Base(p), "epoch-%06d.log", &n); err == nil {
			epochs = append(epochs, n)
		}
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })
	return epochs, nil
}

func (l *Log) startEpoch(epoch uint64, prevFinal string) error {
	hdr := epochHeader{
		Epoch:          epoch,
		StartedAt:      l.now().UTC(),
		PrevEpochFinal: prevFinal,
		Genesis:        genesisHash(epoch, prevFinal),
	}
	f, err := os.OpenFile(epochPath(l.dir, epoch), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create audit epoch: %w", err)
	}
	if err := writeFrame(f, hdr); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync audit epoch header: %w", err)
	}
	l.epoch = epoch
	l.f = f
	l.nextSeq = 1
	l.lastHash = hdr.Genesis
	return nil
}

// Append assigns seq and the chain hashes, writes the record, and
// fsyncs before returning the sequence number.
func (l *Log) Append(e Entry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return 0, errors.New("audit log closed")
	}
	e.Seq = l.nextSeq
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	e.PrevHash = l.lastHash
	hash, err := computeHash(e)
	if err != nil {
		return 0, err
	}
	e.Hash = hash
	if err := writeFrame(l.f, e); err != nil {
		return 0, err
	}
	if err := l.f.Sync(); err != nil {
		return 0, fmt.Errorf("fsync audit record: %w", err)
	}
	l.nextSeq++
	l.lastHash = hash
	return e.Seq, nil
}

// Rotate seals the current epoch and starts the next one, binding the
// final hash of the sealed epoch into the new genesis.
func (l *Log) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return errors.New("audit log closed")
	}
	if err := l.f.Close(); err != nil {
		return fmt.Errorf("close audit epoch: %w", err)
	}
	return l.startEpoch(l.epoch+1, l.lastHash)
}

// Epoch returns the current epoch number.
func (l *Log) Epoch() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.epoch
}

// Close closes the current epoch file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// Verify walks every epoch in dir and checks the full chain, including
// the genesis binding between consecutive epochs. Returns nil or a
// *BrokenAtError.
func Verify(dir string) error {
	epochs, err := listEpochs(dir)
	if err != nil {
		return err
	}
	prevFinal := ""
	for i, epoch := range epochs {
		hdr, entries, err := readEpoch(epochPath(dir, epoch))
		if err != nil {
			return err
		}
		if hdr.Epoch != epoch {
			return &BrokenAtError{Epoch: epoch, Seq: 0}
		}
		if i > 0 && hdr.PrevEpochFinal != prevFinal {
			return &BrokenAtError{Epoch: epoch, Seq: 0}
		}
		if hdr.Genesis != genesisHash(epoch, hdr.PrevEpochFinal) {
			return &BrokenAtError{Epoch: epoch, Seq: 0}
		}
		prevHash := hdr.Genesis
		wantSeq := uint64(1)
		for _, e := range entries {
			if e.Seq != wantSeq || e.PrevHash != prevHash {
				return &BrokenAtError{Epoch: epoch, Seq: e.Seq}
			}
			hash, err := computeHash(e)
			if err != nil {
				return err
			}
			if hash != e.Hash {
				return &BrokenAtError{Epoch: epoch, Seq: e.Seq}
			}
			prevHash = e.Hash
			wantSeq++
		}
		prevFinal = prevHash
	}
	return nil
}

// ReadAll returns every entry across all epochs in order, for tests and
// operator tooling.
func ReadAll(dir string) ([]Entry, error) {
	epochs, err := listEpochs(dir)
	if err != nil {
		return nil, err
	}
	var all []Entry
	for _, epoch := range epochs {
		_, entries, err := readEpoch(epochPath(dir, epoch))
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	return all, nil
}

func writeFrame(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal audit frame: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(raw)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write audit frame: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write audit frame: %w", err)
	}
	return nil
}

func readEpoch(path string) (*epochHeader, []Entry, error) {
	hdr, entries, _, err := readEpochN(path)
	return hdr, entries, err
}

// readEpochN additionally reports how many bytes of the file hold
// complete frames, so Open can truncate a torn tail.
func readEpochN(path string) (*epochHeader, []Entry, int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, 0, fmt.Errorf("audit epoch missing: %w", err)
		}
		return nil, nil, 0, err
	}
	frames, valid, err := splitFrames(raw)
	if err != nil {
		return nil, nil, 0, err
	}
	if len(frames) == 0 {
		return nil, nil, 0, errors.New("audit epoch has no header")
	}
	var hdr epochHeader
	if err := json.Unmarshal(frames[0], &hdr); err != nil {
		return nil, nil, 0, fmt.Errorf("parse audit epoch header: %w", err)
	}
	entries := make([]Entry, 0, len(frames)-1)
	for _, frame := range frames[1:] {
		var e Entry
		if err := json.Unmarshal(frame, &e); err != nil {
			return nil, nil, 0, fmt.Errorf("parse audit record: %w", err)
		}
		entries = append(entries, e)
	}
	return &hdr, entries, valid, nil
}

func splitFrames(raw []byte) ([][]byte, int, error) {
	var frames [][]byte
	valid := 0
	for len(raw) > 0 {
		if len(raw) < 4 {
			// Torn tail from a crash mid-append; everything before it
			// is intact.
			break
		}
		n := binary.BigEndian.Uint32(raw[:4])
		if n == 0 || n > maxRecordLen {
			return nil, 0, errors.New("audit frame length out of range")
		}
		if len(raw) < 4+int(n) {
			break
		}
		frames = append(frames, raw[4:4+int(n)])
		raw = raw[4+int(n):]
		valid += 4 + int(n)
	}
	return frames, valid, nil
}
