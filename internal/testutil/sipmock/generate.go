package sipmock

//go:generate go tool mockgen -destination=transport.go -package=sipmock github.com/ghettovoice/sipcore/sip Transport,Resolver
