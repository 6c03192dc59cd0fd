package queue

import (
	"path/filepath"
	"strings"
)

const (
	// LeaseSuffix marks a leased record; the leased file name is the lock id.
	LeaseSuffix = ".taking"
	// accountSep separates account and task id in a record name.
	accountSep = "__"
)

// recordName is a parsed storage name.
type recordName struct {
	Account string
	ID      string
	Leased  bool
}

func availableName(account, id string) string {
	return account + accountSep + id
}

func leasedName(available string) string {
	return available + LeaseSuffix
}

func availableFromLeased(leased string) string {
	return strings.TrimSuffix(leased, LeaseSuffix)
}

// parseName recognizes "{account}__{id}" and "{account}__{id}.taking".
// Hidden entries (temp files, marker and quarantine dirs) are never records.
func parseName(name string) (recordName, bool) {
	if name == "" || strings.HasPrefix(name, ".") {
		return recordName{}, false
	}
	var rn recordName
	if strings.HasSuffix(name, LeaseSuffix) {
		rn.Leased = true
		name = strings.TrimSuffix(name, LeaseSuffix)
	}
	// ids never contain '_', so the last separator splits account from id
	idx := strings.LastIndex(name, accountSep)
	if idx <= 0 || idx+len(accountSep) >= len(name) {
		return recordName{}, false
	}
	rn.Account = name[:idx]
	rn.ID = name[idx+len(accountSep):]
	if strings.ContainsAny(rn.ID, "._") {
		return recordName{}, false
	}
	return rn, true
}

// validLockID rejects anything that is not a bare leased record name.
func validLockID(lockID string) bool {
	if lockID != filepath.Base(lockID) || strings.ContainsAny(lockID, `/\`) {
		return false
	}
	rn, ok := parseName(lockID)
	return ok && rn.Leased
}
