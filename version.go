package sinkhole

// BuildVersion is set via -ldflags at release build time; "dev" otherwise.
var BuildVersion = "dev"

// Name identifies this program in the admin API's /info.json response.
const Name = "sinkholed"
