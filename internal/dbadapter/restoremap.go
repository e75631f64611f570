package dbadapter

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// Multi-database mysqldump output delimits per-database sections with
// CREATE DATABASE and USE statements. The rewriter keys section boundaries
// off those lines.
var (
	useRe     = regexp.MustCompile("^USE `([^`]+)`;")
	createRe  = regexp.MustCompile("^CREATE DATABASE (?:/\\*!\\d+ IF NOT EXISTS\\*/ )?`([^`]+)`")
	sectionRe = regexp.MustCompile("^-- Current Database: `([^`]+)`")
)

// rewriteBufSize bounds how much of a line is held in memory at once.
// Section-boundary statements are short; anything longer is row data
// (extended INSERTs grow to the server's max_allowed_packet) and is
// streamed through chunk by chunk.
const rewriteBufSize = 64 << 10

// RewriteSQLStream copies a mysqldump SQL stream from r to w, applying the
// restore mapping:
//
//   - sections belonging to databases that are unselected (or absent from a
//     non-empty mapping) are dropped entirely;
//   - USE and CREATE DATABASE statements are rewritten to the target name;
//   - with stripSwitching set, USE and CREATE DATABASE lines are removed
//     altogether, for replay into a client that was started with the target
//     database pre-selected.
//
// Lines before the first section header (settings, SET statements) are
// always copied. Only complete short lines are pattern-matched; lines that
// exceed the internal buffer pass through without being assembled.
func RewriteSQLStream(r io.Reader, w io.Writer, mapping RestoreMapping, stripSwitching bool) error {
	reader := bufio.NewReaderSize(r, rewriteBufSize)
	writer := bufio.NewWriter(w)

	selected := true // preamble before any section header always passes
	for {
		chunk, err := reader.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			if serr := streamLongLine(reader, writer, chunk, selected); serr != nil {
				if serr == io.EOF {
					break
				}
				return fmt.Errorf("dbadapter: rewrite sql: %w", serr)
			}
			continue
		}
		if err != nil && err != io.EOF {
			return fmt.Errorf("dbadapter: rewrite sql: %w", err)
		}

		if len(chunk) > 0 {
			line := strings.TrimSuffix(string(chunk), "\n")
			if out, keep := rewriteLine(line, mapping, stripSwitching, &selected); keep {
				if _, werr := writer.WriteString(out); werr != nil {
					return fmt.Errorf("dbadapter: rewrite sql: %w", werr)
				}
				if werr := writer.WriteByte('\n'); werr != nil {
					return fmt.Errorf("dbadapter: rewrite sql: %w", werr)
				}
			}
		}
		if err == io.EOF {
			break
		}
	}
	return writer.Flush()
}

// streamLongLine forwards the remainder of an oversized line without holding
// it in memory. first is the chunk already read; the line is copied through
// when the current section is selected and discarded otherwise. Returns
// io.EOF when the input ends inside the line.
func streamLongLine(reader *bufio.Reader, writer *bufio.Writer, first []byte, selected bool) error {
	if selected {
		if _, err := writer.Write(first); err != nil {
			return err
		}
	}
	for {
		chunk, err := reader.ReadSlice('\n')
		if selected && len(chunk) > 0 {
			if _, werr := writer.Write(chunk); werr != nil {
				return werr
			}
		}
		switch err {
		case nil:
			return nil
		case bufio.ErrBufferFull:
			continue
		default:
			return err
		}
	}
}

// rewriteLine applies the mapping to a single statement line. selected
// carries the per-section state across calls; keep reports whether the line
// survives into the output.
func rewriteLine(line string, mapping RestoreMapping, stripSwitching bool, selected *bool) (out string, keep bool) {
	var database string
	switching := false
	if m := useRe.FindStringSubmatch(line); m != nil {
		database = m[1]
		switching = true
	} else if m := createRe.FindStringSubmatch(line); m != nil {
		database = m[1]
		switching = true
	} else if m := sectionRe.FindStringSubmatch(line); m != nil {
		database = m[1]
	}

	if database != "" {
		target, ok := mapping[database]
		switch {
		case len(mapping) == 0:
			*selected = true
		case !ok || !target.Selected:
			*selected = false
			return "", false
		default:
			*selected = true
			if target.TargetName != "" && target.TargetName != database {
				line = strings.ReplaceAll(line, "`"+database+"`", "`"+target.TargetName+"`")
			}
		}
		if stripSwitching && switching {
			return "", false
		}
	}

	if !*selected {
		return "", false
	}
	return line, true
}
