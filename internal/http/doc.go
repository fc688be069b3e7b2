// Package httpapp exposes the board over a JSON API.
//
// Writes need a bearer token from POST /api/login. Listings live under
// /api/listings/{newest,best,active,newcomments,noobstories,noobcomments}
// and take a 1-based ?page= parameter. Core error kinds map to statuses in
// statusFor.
package httpapp
