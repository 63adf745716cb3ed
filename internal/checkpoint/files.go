package checkpoint

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Recovery state for one data path lives in three small files under
// <basePath>/data/:
//
//	.recovery.flag       per-path phase state (key=value lines)
//	.recovery.mark.<i>   per-shard replay offset
//	.binlog.recovery.<i> per-shard binlog, .binlog.recovery before splitting
//
// The flag file's presence is the sole witness that a recovery is in
// progress or pending for the path.
const (
	recoveryBinlogName = ".binlog.recovery"
	recoveryMarkName   = ".recovery.mark"
	recoveryFlagName   = ".recovery.flag"

	dataDirName = "data"
)

const (
	itemSavedStorageStatus = "saved_storage_status"
	itemFetchBinlogDone    = "fetch_binlog_done"
	itemRecoveryThreads    = "recovery_threads"
	itemBinlogOffset       = "binlog_offset"
)

// Flag is the persisted recovery phase state of one data path.
type Flag struct {
	SavedStatus     int
	FetchBinlogDone bool
	// RecoveryThreads is the thread count of the last completed
	// partition, -1 before the first split finished.
	RecoveryThreads int
}

// Mark is the persisted replay checkpoint of one shard.
type Mark struct {
	BinlogOffset int64
}

// BinlogPath returns the shard binlog filename for a thread, or the
// unsplit snapshot filename when thread < 0.
func BinlogPath(basePath string, thread int) string {
	return threadFile(basePath, recoveryBinlogName, thread)
}

// MarkPath returns the mark filename for a thread, or the legacy
// single mark filename when thread < 0.
func MarkPath(basePath string, thread int) string {
	return threadFile(basePath, recoveryMarkName, thread)
}

// FlagPath returns the flag filename for a data path.
func FlagPath(basePath string) string {
	return filepath.Join(basePath, dataDirName, recoveryFlagName)
}

func threadFile(basePath, name string, thread int) string {
	if thread < 0 {
		return filepath.Join(basePath, dataDirName, name)
	}
	return filepath.Join(basePath, dataDirName, fmt.Sprintf("%s.%d", name, thread))
}

// WriteFlag persists f for basePath, creating the data dir if needed.
func WriteFlag(basePath string, f Flag) error {
	done := 0
	if f.FetchBinlogDone {
		done = 1
	}
	content := fmt.Sprintf("%s=%d\n%s=%d\n%s=%d\n",
		itemSavedStorageStatus, f.SavedStatus,
		itemFetchBinlogDone, done,
		itemRecoveryThreads, f.RecoveryThreads)
	return writeFile(FlagPath(basePath), content)
}

// ReadFlag loads the flag file of basePath. A missing file surfaces as
// an os.IsNotExist error.
func ReadFlag(basePath string) (Flag, error) {
	items, err := readItems(FlagPath(basePath))
	if err != nil {
		return Flag{}, err
	}

	f := Flag{RecoveryThreads: -1}
	if v, ok := items[itemSavedStorageStatus]; ok {
		if f.SavedStatus, err = strconv.Atoi(v); err != nil {
			return Flag{}, fmt.Errorf("flag file of %s: bad %s: %w",
				basePath, itemSavedStorageStatus, err)
		}
	}
	f.FetchBinlogDone = items[itemFetchBinlogDone] == "1"
	if v, ok := items[itemRecoveryThreads]; ok {
		if f.RecoveryThreads, err = strconv.Atoi(v); err != nil {
			return Flag{}, fmt.Errorf("flag file of %s: bad %s: %w",
				basePath, itemRecoveryThreads, err)
		}
	}
	return f, nil
}

// RemoveFlag deletes the flag file; missing is not an error.
func RemoveFlag(basePath string) error {
	return removeIfExists(FlagPath(basePath))
}

// WriteMark persists the replay offset of one shard.
func WriteMark(basePath string, thread int, m Mark) error {
	content := fmt.Sprintf("%s=%d\n", itemBinlogOffset, m.BinlogOffset)
	return writeFile(MarkPath(basePath, thread), content)
}

// ReadMark loads the replay offset of one shard.
func ReadMark(basePath string, thread int) (Mark, error) {
	items, err := readItems(MarkPath(basePath, thread))
	if err != nil {
		return Mark{}, err
	}
	v, ok := items[itemBinlogOffset]
	if !ok {
		return Mark{}, fmt.Errorf("mark file of %s thread %d: missing %s",
			basePath, thread, itemBinlogOffset)
	}
	offset, err := strconv.ParseInt(v, 10, 64)
	if err != nil || offset < 0 {
		return Mark{}, fmt.Errorf("mark file of %s thread %d: bad %s: %q",
			basePath, thread, itemBinlogOffset, v)
	}
	return Mark{BinlogOffset: offset}, nil
}

// RemoveThreadFiles deletes the shard binlog and mark files for the
// given thread range [from, to).
func RemoveThreadFiles(basePath string, from, to int) error {
	for i := from; i < to; i++ {
		if err := removeIfExists(BinlogPath(basePath, i)); err != nil {
			return err
		}
		if err := removeIfExists(MarkPath(basePath, i)); err != nil {
			return err
		}
	}
	return nil
}

// MigrateLegacy converts the pre-threading on-disk layout (one
// combined .recovery.mark beside one .binlog.recovery) into the
// current flag + per-thread layout with recovery_threads=1. It reports
// whether a migration happened.
func MigrateLegacy(basePath string) (bool, error) {
	if _, err := os.Stat(FlagPath(basePath)); err == nil {
		return false, nil
	}
	legacyMark := MarkPath(basePath, -1)
	items, err := readItems(legacyMark)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	status, _ := strconv.Atoi(items[itemSavedStorageStatus])
	offset, _ := strconv.ParseInt(items[itemBinlogOffset], 10, 64)
	done := items[itemFetchBinlogDone] == "1"

	legacyBinlog := BinlogPath(basePath, -1)
	if done {
		if err := os.Rename(legacyBinlog, BinlogPath(basePath, 0)); err != nil {
			if !os.IsNotExist(err) {
				return false, fmt.Errorf("migrate binlog of %s: %w", basePath, err)
			}
			// no snapshot to carry over, force a refetch
			done = false
		}
	}

	threads := -1
	if done {
		threads = 1
		if err := WriteMark(basePath, 0, Mark{BinlogOffset: offset}); err != nil {
			return false, err
		}
	}
	if err := WriteFlag(basePath, Flag{
		SavedStatus:     status,
		FetchBinlogDone: done,
		RecoveryThreads: threads,
	}); err != nil {
		return false, err
	}
	if err := removeIfExists(legacyMark); err != nil {
		return false, err
	}
	return true, nil
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create data dir for %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func readItems(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	items := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%s: malformed line %q", path, line)
		}
		items[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return items, nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}
