// Package model holds the data shared by the scheduler, the run coordinator,
// the executor and the notification engine: job templates, targets, runs,
// per-target results, statuses and the error taxonomy.
//
// Values in this package are plain data. A Catalog is treated as immutable once
// it has been handed to the scheduler; callers swap catalogs instead of mutating
// them.
package model
