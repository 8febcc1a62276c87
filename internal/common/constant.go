package common

// SchemaVersion is the pool document version written by this module.
const SchemaVersion = 1

// DefaultEmailDomain is appended to generated usernames.
const DefaultEmailDomain = "testmail.com"
