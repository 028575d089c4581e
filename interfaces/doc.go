// Package interfaces declares the collaborator contracts the disposition
// subsystem consumes. The SIP signalling transport and the conference
// roster live outside this module; these abstractions let the dispatcher
// talk to real implementations in the client and to mocks in tests.
package interfaces
