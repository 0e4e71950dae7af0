/*
   Copyright The Android Open Source Project

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package image

import "context"

// rollback collects teardown actions for kernel objects created during an
// in-progress operation. Unless the operation commits, release destroys
// them in reverse creation order, so nothing is ever left live without a
// status ledger record describing it.
type rollback struct {
	fns       []func(ctx context.Context)
	committed bool
}

func (r *rollback) add(fn func(ctx context.Context)) {
	r.fns = append(r.fns, fn)
}

// commit disarms the rollback; the created objects now belong to the
// written ledger record.
func (r *rollback) commit() {
	r.committed = true
}

func (r *rollback) release(ctx context.Context) {
	if r.committed {
		return
	}
	for i := len(r.fns) - 1; i >= 0; i-- {
		r.fns[i](ctx)
	}
}
