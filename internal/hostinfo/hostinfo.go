// Package hostinfo implements spec.md §6's host node wire format: the
// value stored at /<table>/replicas/<replica>/host, two labeled lines
// naming the replica's fetch-server endpoint. spec.md §6 calls this
// path's encoding an on-the-wire compatibility boundary, so it is
// decoded here rather than left as an opaque address string.
package hostinfo

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// Info is the decoded form of a host node.
type Info struct {
	Host string
	Port int
}

// Encode renders i in the two-line format of spec.md §6.
func Encode(i Info) string {
	return fmt.Sprintf("host: %s\nport: %d\n", i.Host, i.Port)
}

// Decode parses the text form produced by Encode.
func Decode(text string) (Info, error) {
	sc := bufio.NewScanner(strings.NewReader(text))

	line, ok := nextLine(sc)
	if !ok {
		return Info{}, fmt.Errorf("hostinfo: empty host node")
	}
	host := strings.TrimPrefix(line, "host: ")

	line, ok = nextLine(sc)
	if !ok {
		return Info{}, fmt.Errorf("hostinfo: missing port line")
	}
	port, err := strconv.Atoi(strings.TrimPrefix(line, "port: "))
	if err != nil {
		return Info{}, fmt.Errorf("hostinfo: parse port %q: %w", line, err)
	}

	return Info{Host: host, Port: port}, nil
}

// Addr renders i as the "host:port" form internal/transport's fetch
// client dials.
func (i Info) Addr() string { return fmt.Sprintf("%s:%d", i.Host, i.Port) }

func nextLine(sc *bufio.Scanner) (string, bool) {
	if !sc.Scan() {
		return "", false
	}
	return sc.Text(), true
}
