package flow

import "fmt"

// Crumb is one entry of the participant-facing progress trail.
type Crumb struct {
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Breadcrumbs builds the progress trail for a flattened sequence with
// the page at activeIndex highlighted. Pages with empty names are
// omitted. Consecutive pages sharing a name collapse into a single
// crumb labelled "Name (n)", or "Name (k of n)" when the active page is
// the k-th member of the run. Grouping must happen on the flattened,
// condition-resolved sequence so the trail matches what the participant
// actually steps through.
func Breadcrumbs(flat []PageSpec, activeIndex int) []Crumb {
	var crumbs []Crumb
	for i, page := range flat {
		if page.Name == "" {
			continue
		}
		crumbs = append(crumbs, Crumb{Name: page.Name, Active: i == activeIndex})
	}

	var out []Crumb
	for i := 0; i < len(crumbs); {
		j := i
		size := 0
		position := 0
		active := false
		for j < len(crumbs) && crumbs[j].Name == crumbs[i].Name {
			size++
			if crumbs[j].Active {
				active = true
				position = size
			}
			j++
		}
		crumb := Crumb{Name: crumbs[i].Name, Active: active}
		if size > 1 {
			if active {
				crumb.Name = fmt.Sprintf("%s (%d of %d)", crumb.Name, position, size)
			} else {
				crumb.Name = fmt.Sprintf("%s (%d)", crumb.Name, size)
			}
		}
		out = append(out, crumb)
		i = j
	}
	return out
}
