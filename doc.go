// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigaxes runs a user computation over the partitions of an
	n-dimensional dataset, in parallel across a group of ranks. Users
	choose which axes of the dataset may be split, and bigaxes takes
	care of dividing the work among the ranks, invoking the computation
	on each slice, and collecting the results at a coordinating rank.

	Two schedules are supported. Under the Static schedule, the
	largest split axis is divided into one contiguous block per rank,
	and each rank computes its own block without any communication.
	Under the Dynamic schedule, a coordinator hands out work items (one
	coordinate along each split axis) to worker ranks as they ask for
	them, so that faster ranks take on more work.

	Ranks can run as goroutines in a single process, or as bigmachine
	machines (see package exec). Because code cannot be shipped across
	process boundaries, computations must be registered with Func, and
	all such registrations must happen before ranks are started. If
	tasks are package-level variables, this rule is satisfied:

		var sum = bigaxes.Func(func(ctx context.Context, p bigaxes.Params) (interface{}, error) {
			return p["slice"].(*ndarray.Dense).Sum(), nil
		})

	Tasks are invoked with their parameters plus the slice bound to the
	request's slice parameter name. The value they return is kept as
	is, and aggregated per rank (Static) or per work item (Dynamic).
*/
package bigaxes
