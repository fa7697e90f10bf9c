package notify

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var numberedHostRe = regexp.MustCompile(`^(.*?)(\d+)$`)

// FormatHostRange compresses a host list into cluster-range form:
// node1..node4 becomes "node[1-4]", a non-contiguous set becomes
// "node{1,3}", and unnumbered hosts pass through unchanged. This is the
// notation cluster users already read every day in their scheduler output.
func FormatHostRange(hosts []string) string {
	type hostSet struct {
		numbers []int
		width   int
	}
	byPrefix := map[string]*hostSet{}
	var plain []string

	for _, host := range hosts {
		m := numberedHostRe.FindStringSubmatch(host)
		if m == nil {
			plain = append(plain, host)
			continue
		}
		n, _ := strconv.Atoi(m[2])
		set := byPrefix[m[1]]
		if set == nil {
			set = &hostSet{}
			byPrefix[m[1]] = set
		}
		set.numbers = append(set.numbers, n)
		if len(m[2]) > set.width {
			set.width = len(m[2])
		}
	}

	prefixes := make([]string, 0, len(byPrefix))
	for prefix := range byPrefix {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)

	parts := make([]string, 0, len(prefixes)+len(plain))
	for _, prefix := range prefixes {
		set := byPrefix[prefix]
		sort.Ints(set.numbers)
		set.numbers = dedupInts(set.numbers)
		parts = append(parts, formatPrefix(prefix, set.numbers))
	}
	sort.Strings(plain)
	parts = append(parts, plain...)
	return strings.Join(parts, ",")
}

func formatPrefix(prefix string, numbers []int) string {
	if len(numbers) == 1 {
		return fmt.Sprintf("%s%d", prefix, numbers[0])
	}

	runs := contiguousRuns(numbers)
	if len(runs) == 1 {
		return fmt.Sprintf("%s[%d-%d]", prefix, runs[0][0], runs[0][1])
	}

	pieces := make([]string, 0, len(runs))
	for _, run := range runs {
		if run[0] == run[1] {
			pieces = append(pieces, strconv.Itoa(run[0]))
		} else {
			pieces = append(pieces, fmt.Sprintf("%d-%d", run[0], run[1]))
		}
	}
	return fmt.Sprintf("%s{%s}", prefix, strings.Join(pieces, ","))
}

func contiguousRuns(sorted []int) [][2]int {
	var runs [][2]int
	for _, n := range sorted {
		if len(runs) > 0 && runs[len(runs)-1][1] == n-1 {
			runs[len(runs)-1][1] = n
			continue
		}
		runs = append(runs, [2]int{n, n})
	}
	return runs
}

func dedupInts(sorted []int) []int {
	out := sorted[:0]
	for i, n := range sorted {
		if i == 0 || n != sorted[i-1] {
			out = append(out, n)
		}
	}
	return out
}
