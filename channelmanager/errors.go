package channelmanager

import "errors"

var (
	errSetToMustBeNonNegativeInt      = errors.New("channelmanager: SetTo requires a non-negative integer")
	errIncreaseByMustBeNonNegativeInt = errors.New("channelmanager: IncreaseBy requires a non-negative integer")
	errScaleByMustBeAtLeastOne        = errors.New("channelmanager: ScaleBy requires a factor >= 1")
	errScaleByRequiresNonzeroCurrent  = errors.New("channelmanager: ScaleBy requires a nonzero current capacity")
	errUnknownRequestKind             = errors.New("channelmanager: unknown request kind")
	errWrongOutboxCardinality         = errors.New("channelmanager: wallet returned an unexpected outbox cardinality")
)
