package binlog

import (
	"bufio"
	"errors"
	"fmt"
	"os"
)

// PartitionKey returns the string a record is hashed on when binlog
// entries are distributed across recovery shards. Link and rename
// records hash on their source path so a link lands in the same shard
// as the file it points at.
func PartitionKey(r Record) string {
	if r.SourcePath != "" {
		return r.SourcePath
	}
	return r.Path
}

// Hash is a Time33 (Bernstein) string hash. It is deterministic across
// runs, which keeps repeated splits at the same thread count stable.
func Hash(s string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(s); i++ {
		h = h*33 + uint32(s[i])
	}
	return h
}

// Split re-partitions every record of the binlog at srcPath across
// len(shardPaths) shard files by hashing each record's partition key.
//
// The split is all-or-nothing: every shard is first written to a
// sibling .tmp file and the renames happen only after the whole source
// was consumed, so a failed split leaves the path untouched for retry.
func Split(srcPath string, shardPaths []string) (err error) {
	if len(shardPaths) == 0 {
		return errors.New("binlog: split needs at least one shard")
	}

	reader, err := Open(srcPath, 0)
	if err != nil {
		return err
	}
	defer reader.Close()

	tmpPaths := make([]string, len(shardPaths))
	files := make([]*os.File, len(shardPaths))
	writers := make([]*bufio.Writer, len(shardPaths))
	defer func() {
		if err == nil {
			return
		}
		for i, f := range files {
			if f != nil {
				f.Close()
				os.Remove(tmpPaths[i])
			}
		}
	}()

	for i, shardPath := range shardPaths {
		tmpPaths[i] = shardPath + ".tmp"
		files[i], err = os.OpenFile(tmpPaths[i],
			os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return fmt.Errorf("create shard temp file %s: %w", tmpPaths[i], err)
		}
		writers[i] = bufio.NewWriter(files[i])
	}

	for {
		rec, _, nextErr := reader.Next()
		if nextErr != nil {
			if errors.Is(nextErr, ErrEndOfLog) {
				break
			}
			err = nextErr
			return err
		}

		shard := Hash(PartitionKey(rec)) % uint32(len(shardPaths))
		if _, werr := writers[shard].WriteString(Encode(rec)); werr != nil {
			err = fmt.Errorf("write shard %d: %w", shard, werr)
			return err
		}
	}

	for i := range files {
		if err = writers[i].Flush(); err != nil {
			err = fmt.Errorf("flush shard %s: %w", tmpPaths[i], err)
			return err
		}
		if err = files[i].Sync(); err != nil {
			err = fmt.Errorf("sync shard %s: %w", tmpPaths[i], err)
			return err
		}
		if err = files[i].Close(); err != nil {
			files[i] = nil
			err = fmt.Errorf("close shard %s: %w", tmpPaths[i], err)
			return err
		}
		files[i] = nil
	}

	for i, shardPath := range shardPaths {
		if err = os.Rename(tmpPaths[i], shardPath); err != nil {
			err = fmt.Errorf("rename shard %s: %w", shardPath, err)
			return err
		}
	}
	return nil
}
