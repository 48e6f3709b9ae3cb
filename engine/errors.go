package engine

import "errors"

var NotInTransactionError = errors.New("engine: not in a transaction")
var ForbiddenAccessError = errors.New("engine: cell access forbidden in this context")
var InvalidCommuteError = errors.New("engine: commute accessed cells enlisted by the main transaction")
var RetryError = errors.New("engine: transaction retry requested")
var EmptySubscriptionError = errors.New("engine: subscription test reads no cells")
