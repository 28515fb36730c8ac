/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Mail Append contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package quota implements the append_check quota gate (spec §4.1): a
// resource (message count, storage bytes, annotation storage, ...) is
// rejected if applying a prospective delta would exceed its configured
// ceiling. A ceiling of zero or less means unlimited.
package quota

import (
	"fmt"

	"github.com/themadorg/mailappend/internal/apperr"
)

// Resource names the quota counters an append session checks. A store may
// track others; these are the ones append_check and the copy path look at.
const (
	ResourceMessages = "messages"
	ResourceStorage  = "storage"
	ResourceAnnotations = "annotation-storage"
)

// Check returns a QuotaExceeded error if used+delta would exceed max. A
// max <= 0 disables the check for that resource.
func Check(resource string, used, delta, max int64) error {
	if max <= 0 {
		return nil
	}
	if used+delta > max {
		return apperr.New(apperr.QuotaExceeded, "quota.Check",
			fmt.Errorf("%s: %d+%d exceeds limit %d", resource, used, delta, max))
	}
	return nil
}

// Floor is a snapshot of per-resource ceilings, keyed by Resource*
// constant, used where an append session needs to evaluate several
// resources against one set of limits (e.g. the copy path re-checking the
// destination mailbox before committing).
type Floor map[string]int64

// CheckAll runs Check for every (resource, delta) pair against f, used.
// It returns the first violation encountered; resources absent from f are
// treated as unlimited.
func CheckAll(f Floor, used map[string]int64, deltas map[string]int64) error {
	for resource, delta := range deltas {
		if err := Check(resource, used[resource], delta, f[resource]); err != nil {
			return err
		}
	}
	return nil
}
