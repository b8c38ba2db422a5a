package messageexchange

import "errors"

var errMultipleOutboxItems = errors.New("messageexchange: wallet returned more than one outbox item for a single-peer exchange")
