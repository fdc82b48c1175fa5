package tlsterm

import "time"

const kDialTimeout = 2 * time.Second
const kDebugReadTimeout = 10 * time.Second
