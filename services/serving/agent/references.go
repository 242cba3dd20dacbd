// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Reference is a fetched source available for citation.
type Reference struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

var citationPattern = regexp.MustCompile(`【([^】]+)】`)

// InjectReferences rewrites 【Title】 citations in text into markdown links
// using the fetched references. Match order: exact title, then case-folded
// substring in either direction. An unresolvable citation is left verbatim
// and logged; text without citations passes through untouched, which also
// makes the rewrite idempotent.
func InjectReferences(text string, refs []Reference) string {
	if len(refs) == 0 || !strings.Contains(text, "【") {
		return text
	}
	var out strings.Builder
	last := 0
	for _, loc := range citationPattern.FindAllStringSubmatchIndex(text, -1) {
		out.WriteString(text[last:loc[0]])
		last = loc[1]

		match := text[loc[0]:loc[1]]
		title := strings.TrimSpace(text[loc[2]:loc[3]])
		ref, ok := matchReference(title, refs)
		if !ok {
			slog.Warn("Citation matched no fetched reference", "title", title)
			out.WriteString(match)
			continue
		}
		// Models often glue the citation marker to the preceding word;
		// separate it unless whitespace is already there.
		if prev, _ := utf8.DecodeLastRuneInString(text[:loc[0]]); prev != utf8.RuneError && !unicode.IsSpace(prev) {
			out.WriteByte(' ')
		}
		fmt.Fprintf(&out, "[%s](%s)", ref.Title, ref.URL)
	}
	out.WriteString(text[last:])
	return out.String()
}

func matchReference(title string, refs []Reference) (Reference, bool) {
	for _, ref := range refs {
		if ref.Title == title {
			return ref, true
		}
	}
	folded := strings.ToLower(title)
	for _, ref := range refs {
		refFolded := strings.ToLower(ref.Title)
		if strings.Contains(refFolded, folded) || strings.Contains(folded, refFolded) {
			return ref, true
		}
	}
	return Reference{}, false
}
