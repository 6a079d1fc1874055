package httpengine

// Version is reported in the default User-Agent header.
const Version = "0.1.0"
