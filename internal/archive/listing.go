package archive

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Entry is one item inside a container, parsed from the tool's structured
// listing output.
type Entry struct {
	Path       string
	IsFolder   bool
	Size       int64
	PackedSize int64
	Modified   time.Time
	Created    time.Time
	Accessed   time.Time
	Attributes string
	Encrypted  bool
	Comment    string
	CRC        string
	Method     string
	HostOS     string
	Version    string
}

const listingTimeLayout = "2006-01-02 15:04:05"

// ParseListing parses the tool's per-entry text blocks: fields one per line
// as "Key = Value", entries delimited by a blank line. The output opens with
// a banner and an archive-property block (which also carries a Path field);
// entry blocks only start after the "----------" delimiter line, so
// everything before it is discarded. After the delimiter the format is not
// versioned, so a block missing its required fields is an error, never
// silently skipped.
func ParseListing(output string) ([]Entry, error) {
	var entries []Entry
	block := make(map[string]string)
	inEntries := false

	flush := func() error {
		if len(block) == 0 {
			return nil
		}
		if _, ok := block["Path"]; !ok {
			return fmt.Errorf("listing entry block is missing the Path field")
		}
		entry, err := entryFromBlock(block)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		block = make(map[string]string)
		return nil
	}

	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "----------") {
			inEntries = true
			continue
		}
		if !inEntries {
			// Banner, command echo and the archive-property block.
			continue
		}

		if trimmed == "" {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}

		key, value, found := strings.Cut(line, " = ")
		if !found {
			// Empty values print without a trailing space after '='.
			if k, ok := strings.CutSuffix(line, " ="); ok {
				key, value, found = k, "", true
			}
		}
		if !found {
			return nil, fmt.Errorf("malformed listing line inside entry block: %q", line)
		}
		block[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan listing: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	return entries, nil
}

func entryFromBlock(block map[string]string) (Entry, error) {
	folder, ok := block["Folder"]
	if !ok {
		return Entry{}, fmt.Errorf("listing entry %q is missing the Folder field", block["Path"])
	}

	entry := Entry{
		Path:       normalizePath(block["Path"]),
		IsFolder:   folder == "+",
		Attributes: block["Attributes"],
		Encrypted:  block["Encrypted"] == "+",
		Comment:    block["Comment"],
		CRC:        block["CRC"],
		Method:     block["Method"],
		HostOS:     block["Host OS"],
		Version:    block["Version"],
	}

	var err error
	if entry.Size, err = parseSize(block["Size"]); err != nil {
		return Entry{}, fmt.Errorf("entry %q: bad Size: %w", entry.Path, err)
	}
	if entry.PackedSize, err = parseSize(block["Packed Size"]); err != nil {
		return Entry{}, fmt.Errorf("entry %q: bad Packed Size: %w", entry.Path, err)
	}

	entry.Modified = parseListingTime(block["Modified"])
	entry.Created = parseListingTime(block["Created"])
	entry.Accessed = parseListingTime(block["Accessed"])

	return entry, nil
}

// normalizePath converts the tool's OS-native separators to the container
// separator.
func normalizePath(p string) string {
	return strings.ReplaceAll(p, `\`, Separator)
}

func parseSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func parseListingTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	// Some tool builds append sub-second precision.
	if len(s) > len(listingTimeLayout) {
		s = s[:len(listingTimeLayout)]
	}
	t, err := time.Parse(listingTimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
