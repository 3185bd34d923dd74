package imap

// CompressDeflate is the COMPRESS mechanism of RFC 4978, raw DEFLATE as
// defined in RFC 1951.
const CompressDeflate = "DEFLATE"
