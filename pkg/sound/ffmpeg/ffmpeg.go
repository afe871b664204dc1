package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// BinPath is the path to the ffmpeg binary
var BinPath = "ffmpeg"

// Metadata holds the tags embedded into an audio file.
type Metadata struct {
	Title  string
	Artist string
	Album  string
	Lyrics string
}

func Tag(ctx context.Context, input, output string, meta Metadata) error {
	// Use a temporary file if the input and output are the same
	tmp := output
	if input == output {
		tmp = fmt.Sprintf("%s.tmp%s", input, filepath.Ext(input))
	}

	args := []string{"-y", "-i", input, "-c", "copy"}
	if meta.Title != "" {
		args = append(args, "-metadata", fmt.Sprintf("title=%s", meta.Title))
	}
	if meta.Artist != "" {
		args = append(args, "-metadata", fmt.Sprintf("artist=%s", meta.Artist))
	}
	if meta.Album != "" {
		args = append(args, "-metadata", fmt.Sprintf("album=%s", meta.Album))
	}
	if meta.Lyrics != "" {
		args = append(args, "-metadata", fmt.Sprintf("lyrics=%s", meta.Lyrics))
	}
	args = append(args, tmp)
	cmd := exec.CommandContext(ctx, BinPath, args...)
	data, err := cmd.CombinedOutput()
	if err != nil {
		if tmp != output {
			_ = os.Remove(tmp)
		}
		msg := string(data)
		return fmt.Errorf("ffmpeg: couldn't tag: %w: %s", err, msg)
	}

	// Move the temporary file to the output path
	if tmp != output {
		_ = os.Remove(output)
		if err := os.Rename(tmp, output); err != nil {
			return fmt.Errorf("ffmpeg: couldn't rename temporary file: %w", err)
		}
	}

	return nil
}

func EmbedCover(ctx context.Context, input, cover, output string) error {
	// Use a temporary file if the input and output are the same
	tmp := output
	if input == output {
		tmp = fmt.Sprintf("%s.tmp%s", input, filepath.Ext(input))
	}

	cmd := exec.CommandContext(ctx, BinPath, "-y", "-i", input, "-i", cover,
		"-map", "0:a", "-map", "1", "-c", "copy",
		"-disposition:v", "attached_pic", tmp)
	data, err := cmd.CombinedOutput()
	if err != nil {
		if tmp != output {
			_ = os.Remove(tmp)
		}
		msg := string(data)
		return fmt.Errorf("ffmpeg: couldn't embed cover: %w: %s", err, msg)
	}

	// Move the temporary file to the output path
	if tmp != output {
		_ = os.Remove(output)
		if err := os.Rename(tmp, output); err != nil {
			return fmt.Errorf("ffmpeg: couldn't rename temporary file: %w", err)
		}
	}

	return nil
}
