package concat

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/vodkeeper/internal/segments"
	"github.com/tanq16/vodkeeper/internal/utils"
)

// Artifact is the single joined video file of a run.
type Artifact struct {
	Path     string
	Size     int64
	Segments int
}

// Verify checks that parts form a contiguous ascending range and that each
// file exists with its recorded size.
func Verify(parts []segments.Result) (int64, error) {
	if len(parts) == 0 {
		return 0, utils.Errorf(utils.KindSegmentIntegrity, "concat/verify", "no segments to join")
	}
	var total int64
	for i, p := range parts {
		if i > 0 && p.Sequence != parts[i-1].Sequence+1 {
			return 0, utils.Errorf(utils.KindSegmentIntegrity, "concat/verify", "segment %d missing between %d and %d", parts[i-1].Sequence+1, parts[i-1].Sequence, p.Sequence)
		}
		info, err := os.Stat(p.Path)
		if err != nil {
			return 0, utils.NewError(utils.KindSegmentIntegrity, "concat/verify", fmt.Errorf("segment %d: %w", p.Sequence, err))
		}
		if p.Size > 0 && info.Size() != p.Size {
			return 0, utils.Errorf(utils.KindSegmentIntegrity, "concat/verify", "segment %d is %d bytes, expected %d", p.Sequence, info.Size(), p.Size)
		}
		total += info.Size()
	}
	return total, nil
}

// Join appends parts in order into out. Nothing is written when verification
// fails, and a failed write leaves no file at out. With cleanup the segment
// files are removed once out is in place.
func Join(parts []segments.Result, out string, cleanup bool) (*Artifact, error) {
	expected, err := Verify(parts)
	if err != nil {
		return nil, err
	}
	partial := out + ".partial"
	written, err := writeAll(parts, partial)
	if err != nil {
		os.Remove(partial)
		return nil, err
	}
	if written != expected {
		os.Remove(partial)
		return nil, utils.Errorf(utils.KindSegmentIntegrity, "concat/join", "wrote %d bytes but segments total %d", written, expected)
	}
	if err := os.Rename(partial, out); err != nil {
		os.Remove(partial)
		return nil, utils.NewError(utils.KindFilesystem, "concat/join", err)
	}
	if cleanup {
		segments.Remove(parts)
	}
	log.Debug().Str("op", "concat/join").Msgf("Joined %d segments into %s (%d bytes)", len(parts), out, written)
	return &Artifact{Path: out, Size: written, Segments: len(parts)}, nil
}

func writeAll(parts []segments.Result, path string) (int64, error) {
	dest, err := os.Create(path)
	if err != nil {
		return 0, utils.NewError(utils.KindFilesystem, "concat/join", err)
	}
	defer dest.Close()
	var total int64
	for _, p := range parts {
		n, err := appendFile(dest, p.Path)
		if err != nil {
			return total, err
		}
		total += n
	}
	if err := dest.Sync(); err != nil {
		return total, utils.NewError(utils.KindFilesystem, "concat/join", err)
	}
	if err := dest.Close(); err != nil {
		return total, utils.NewError(utils.KindFilesystem, "concat/join", err)
	}
	return total, nil
}

func appendFile(dest io.Writer, path string) (int64, error) {
	src, err := os.Open(path)
	if err != nil {
		return 0, utils.NewError(utils.KindSegmentIntegrity, "concat/join", err)
	}
	defer src.Close()
	n, err := io.Copy(dest, src)
	if err != nil {
		return n, utils.NewError(utils.KindFilesystem, "concat/join", fmt.Errorf("copying %s: %w", path, err))
	}
	return n, nil
}
