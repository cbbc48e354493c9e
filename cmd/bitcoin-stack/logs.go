package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ooeygg/bitcoin-docker/internal/stack"
)

var (
	logsTail   int
	logsFollow bool
)

var logsCmd = &cobra.Command{
	Use:   "logs <service>",
	Short: "Print a service's captured stdout and stderr",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := stack.New(stackOptions())
		if err != nil {
			return err
		}
		defer s.Close()

		name := args[0]
		if _, ok := s.Manifest().Service(name); !ok {
			return fmt.Errorf("unknown service %q", name)
		}
		path := s.LogPath(name)
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("no logs for %s yet", name)
			}
			return err
		}
		if _, err := os.Stdout.Write(tailLines(b, logsTail)); err != nil {
			return err
		}
		if !logsFollow {
			return nil
		}
		return followFile(cmd.Context(), path, int64(len(b)))
	},
}

func init() {
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 200, "number of trailing lines to print (0: all)")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "keep streaming appended lines")
	rootCmd.AddCommand(logsCmd)
}

// followFile polls for appended bytes from offset, tail -f style. Truncation
// (log rotation) restarts from the top of the new file.
func followFile(ctx context.Context, path string, offset int64) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			continue
		}
		if info.Size() < offset {
			offset = 0
		}
		if info.Size() > offset {
			if _, err := f.Seek(offset, io.SeekStart); err == nil {
				n, _ := io.Copy(os.Stdout, f)
				offset += n
			}
		}
		f.Close()
	}
}

// tailLines returns the last n lines of b.
func tailLines(b []byte, n int) []byte {
	if n <= 0 {
		return b
	}
	end := len(b)
	if end > 0 && b[end-1] == '\n' {
		end--
	}
	for i := 0; i < n; i++ {
		idx := bytes.LastIndexByte(b[:end], '\n')
		if idx < 0 {
			return b
		}
		end = idx
	}
	return b[end+1:]
}
