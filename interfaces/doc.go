// Package interfaces defines the storage provider contract and the types shared
// by every backend adapter, the chunking engine and the duplication service,
// separating interface definitions from implementations.
//
// # Storage Interfaces
//
// StorageProvider: space and content CRUD, metadata, access control and
// marker-based listing, independent of the backend (S3, Azure Blob, Swift,
// Rackspace, Google Cloud Storage, IPFS, local files, memory).
//
// StorageProviderFactory: creates providers from location URIs.
//
// ContentIterator: a lazy, single-pass pull iterator over content or space ids.
//
// # Errors
//
// Every failure returned by a provider is either a *NotFoundError (the space or
// content item does not exist) or a *StorageError carrying a RetryPolicy that
// tells callers whether the identical call may succeed when repeated. Checksum
// verification failures are *ChecksumMismatchError values and never retryable.
//
// # Reserved Metadata
//
// Space metadata always reports space-created (RFC-822), space-count and
// space-access. Content metadata always reports content-checksum,
// content-size, content-modified and content-mimetype; writes to these keys
// are ignored.
package interfaces
