package cgroups

import (
	"os/user"
	"strconv"
	"sync"
	"time"
)

// passwdCacheTimeout is how long a passwd lookup stays cached. Lookups can
// hit LDAP on the machines Arbiter runs on, so they are not free.
const passwdCacheTimeout = 30 * time.Minute

type cachedUser struct {
	user *user.User
	at   time.Time
}

var (
	passwdMu    sync.Mutex
	passwdCache = map[int]cachedUser{}
)

// LookupUser returns the passwd entry for a uid, cached. The boolean is
// false when the uid has no passwd entry at all (e.g. removed from LDAP with
// a session still alive).
func LookupUser(uid int) (*user.User, bool) {
	passwdMu.Lock()
	defer passwdMu.Unlock()

	if cached, ok := passwdCache[uid]; ok && time.Since(cached.at) < passwdCacheTimeout {
		return cached.user, cached.user != nil
	}

	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		u = nil
	}
	passwdCache[uid] = cachedUser{user: u, at: time.Now()}
	return u, u != nil
}

// QueryGIDs returns the gids of the groups the user belongs to. Users
// without a passwd entry belong to no groups.
func QueryGIDs(uid int) []int {
	u, ok := LookupUser(uid)
	if !ok {
		return nil
	}
	ids, err := u.GroupIds()
	if err != nil {
		return nil
	}
	gids := make([]int, 0, len(ids))
	for _, id := range ids {
		gid, err := strconv.Atoi(id)
		if err != nil {
			continue
		}
		gids = append(gids, gid)
	}
	return gids
}

// Username returns the user's name, or "?" if the uid has no passwd entry.
func Username(uid int) string {
	u, ok := LookupUser(uid)
	if !ok {
		return "?"
	}
	return u.Username
}
