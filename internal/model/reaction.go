package model

import (
	"encoding/json"
	"sort"
)

// ReactionGroup — плотное представление: тип реакции, число и пользователи.
type ReactionGroup struct {
	Type  string   `json:"type"`
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// Reactions — разреженное представление: тип -> множество пользователей.
// В JSON всегда пишется списком групп, читается из обоих форматов.
type Reactions map[string]UserSet

// FromGroups нормализует список групп в map. Пустые группы отбрасываются.
func FromGroups(groups []ReactionGroup) Reactions {
	if len(groups) == 0 {
		return nil
	}
	out := make(Reactions, len(groups))
	for _, g := range groups {
		set := out[g.Type].Union(g.Users)
		if len(set) > 0 {
			out[g.Type] = set
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Groups возвращает плотный список, отсортированный по типу.
func (r Reactions) Groups() []ReactionGroup {
	groups := make([]ReactionGroup, 0, len(r))
	for typ, users := range r {
		if len(users) == 0 {
			continue
		}
		groups = append(groups, ReactionGroup{Type: typ, Count: len(users), Users: append([]string(nil), users...)})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Type < groups[j].Type })
	return groups
}

func (r Reactions) Has(typ, userID string) bool {
	return r[typ].Has(userID)
}

func (r Reactions) Clone() Reactions {
	if r == nil {
		return nil
	}
	out := make(Reactions, len(r))
	for typ, users := range r {
		out[typ] = append(UserSet(nil), users...)
	}
	return out
}

// Toggle возвращает новую копию с добавленной или снятой реакцией userID.
func (r Reactions) Toggle(typ, userID string) Reactions {
	out := r.Clone()
	if out == nil {
		out = make(Reactions, 1)
	}
	if out[typ].Has(userID) {
		users := out[typ].Without(userID)
		if len(users) == 0 {
			delete(out, typ)
		} else {
			out[typ] = users
		}
	} else {
		out[typ] = out[typ].With(userID)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Equal сравнивает по содержимому; nil и пустая map равны.
func (r Reactions) Equal(other Reactions) bool {
	a, b := r.Groups(), other.Groups()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Type != b[i].Type || len(a[i].Users) != len(b[i].Users) {
			return false
		}
		for j := range a[i].Users {
			if a[i].Users[j] != b[i].Users[j] {
				return false
			}
		}
	}
	return true
}

func (r Reactions) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Groups())
}

func (r *Reactions) UnmarshalJSON(data []byte) error {
	var groups []ReactionGroup
	if err := json.Unmarshal(data, &groups); err == nil {
		*r = FromGroups(groups)
		return nil
	}
	var sparse map[string][]string
	if err := json.Unmarshal(data, &sparse); err != nil {
		return err
	}
	out := make(Reactions, len(sparse))
	for typ, users := range sparse {
		if set := NewUserSet(users...); len(set) > 0 {
			out[typ] = set
		}
	}
	if len(out) == 0 {
		out = nil
	}
	*r = out
	return nil
}
